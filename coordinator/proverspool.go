package coordinator

import (
	"context"
	"strconv"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/coordinator/prover"
	"zkrollup-operator/log"
	"zkrollup-operator/metric"
)

// ProversPool hands out idle prover clients.  The number of provers bounds
// the number of proof jobs running in parallel.
type ProversPool struct {
	pool chan prover.Client
}

// NewProversPool creates a pool holding provers
func NewProversPool(provers []prover.Client) *ProversPool {
	p := &ProversPool{
		pool: make(chan prover.Client, len(provers)),
	}
	for _, c := range provers {
		p.pool <- c
	}
	return p
}

// Add returns a prover to the pool
func (p *ProversPool) Add(ctx context.Context, serverProof prover.Client) {
	select {
	case p.pool <- serverProof:
	case <-ctx.Done():
	}
}

// Get returns the next available prover, blocking until one is idle
func (p *ProversPool) Get(ctx context.Context) (prover.Client, error) {
	select {
	case <-ctx.Done():
		log.Info("ProversPool.Get done")
		return nil, common.Wrap(common.ErrDone)
	case serverProof := <-p.pool:
		return serverProof, nil
	}
}

// Prove runs a proof job for block on the next idle prover
func (p *ProversPool) Prove(ctx context.Context, block *common.Block) (*common.ProofInput, error) {
	zkInputs, err := common.NewZKInputs(block)
	if err != nil {
		return nil, err
	}
	serverProof, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Add(context.Background(), serverProof)

	start := time.Now()
	if err := serverProof.WaitReady(ctx); err != nil {
		return nil, err
	}
	if err := serverProof.CalculateProof(ctx, zkInputs); err != nil {
		return nil, err
	}
	proof, err := serverProof.GetProof(ctx)
	if err != nil {
		if ctx.Err() != nil {
			if err := serverProof.Cancel(context.Background()); err != nil {
				log.Warnw("ProversPool: cancel", "err", err)
			}
		}
		return nil, err
	}
	metric.MeasureDuration(metric.WaitServerProof, start, strconv.Itoa(block.BlockSize))
	log.Infow("ProversPool: block proof calculated", "block", block.Number,
		"duration", time.Since(start))
	return proof, nil
}
