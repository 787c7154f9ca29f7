package metric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"zkrollup-operator/database/historydb"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusGetter struct {
	mu     sync.Mutex
	status historydb.NodeStatus
	err    error
}

func (s *statusGetter) GetNodeStatus() (*historydb.NodeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	return &status, nil
}

func (s *statusGetter) set(status historydb.NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func TestStoreCollector(t *testing.T) {
	store := &statusGetter{status: historydb.NodeStatus{
		LastCommittedBlock: 7,
		LastVerifiedBlock:  5,
		LastExecutedBlock:  4,
		MempoolSize:        12,
		PendingL1Ops:       3,
	}}
	clock := clockwork.NewFakeClock()
	c := NewStoreCollector(store, time.Second, clock)
	require.NoError(t, c.Collect())
	assert.Equal(t, float64(7), testutil.ToFloat64(LastCommittedBlock))
	assert.Equal(t, float64(5), testutil.ToFloat64(LastVerifiedBlock))
	assert.Equal(t, float64(4), testutil.ToFloat64(LastExecutedBlock))
	assert.Equal(t, float64(12), testutil.ToFloat64(StoredMempoolSize))
	assert.Equal(t, float64(3), testutil.ToFloat64(PendingL1Ops))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	clock.BlockUntil(1)
	store.set(historydb.NodeStatus{LastCommittedBlock: 8})
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(LastCommittedBlock) == 8
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	store.err = errors.New("db down")
	assert.Error(t, c.Collect())
}

func TestBoolValue(t *testing.T) {
	assert.Equal(t, float64(1), BoolValue(true))
	assert.Equal(t, float64(0), BoolValue(false))
}
