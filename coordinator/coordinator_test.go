package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"zkrollup-operator/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorNotLeader(t *testing.T) {
	coord := NewCoordinator(Config{}, Deps{}, make(chan bool))
	err := coord.Insert(context.Background(), &common.Tx{})
	assert.ErrorIs(t, common.Unwrap(err), ErrNotLeader)
	err = coord.SealBlock(context.Background())
	assert.ErrorIs(t, common.Unwrap(err), ErrNotLeader)
	assert.Nil(t, coord.SyncStats())
	assert.False(t, coord.IsLeader())
}

func TestCoordinatorHandleMsg(t *testing.T) {
	coord := NewCoordinator(Config{}, Deps{}, make(chan bool))

	assert.True(t, coord.handleMsg(MsgLeadership{Leader: true}))
	assert.True(t, coord.IsLeader())

	// a running pipeline is not started twice
	coord.pipeline = NewPipeline(3, PipelineCfg{}, Deps{}, coord)
	coord.pipelineNum = 3
	assert.False(t, coord.handleMsg(MsgLeadership{Leader: true}))

	// messages of an old pipeline are ignored
	assert.False(t, coord.handleMsg(MsgStopPipeline{PipelineNum: 2, Reason: "old"}))
	assert.NotNil(t, coord.currentPipeline())

	// the failed pipeline is restarted while leader
	assert.True(t, coord.handleMsg(MsgStopPipeline{PipelineNum: 3, Reason: "test"}))
	assert.Nil(t, coord.currentPipeline())

	assert.False(t, coord.handleMsg(MsgLeadership{Leader: false}))
	assert.False(t, coord.IsLeader())
}

func TestCoordinatorFatal(t *testing.T) {
	leadership := make(chan bool)
	coord := NewCoordinator(Config{}, Deps{}, leadership)
	coord.Start()
	defer coord.Stop()

	fatal := common.NewFatal(common.ErrL1TxFailed)
	coord.SendMsg(context.Background(), MsgFatal{Component: "TxManager", Err: fatal})
	select {
	case err := <-coord.Fatal():
		assert.True(t, common.IsFatal(err))
		assert.True(t, errors.Is(common.Unwrap(err), common.ErrL1TxFailed))
	case <-time.After(5 * time.Second):
		require.Fail(t, "fatal error not reported")
	}
}
