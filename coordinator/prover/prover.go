package prover

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"zkrollup-operator/common"
	"zkrollup-operator/log"

	"github.com/dghubble/sling"
	"github.com/hashicorp/go-retryablehttp"
)

// Client is the interface to a ServerProof that calculates zk proofs
type Client interface {
	// Non-blocking
	CalculateProof(ctx context.Context, zkInputs *common.ZKInputs) error
	// Blocking.  Returns the proof of the last inputs
	GetProof(ctx context.Context) (*common.ProofInput, error)
	// Non-Blocking
	Cancel(ctx context.Context) error
	// Blocking
	WaitReady(ctx context.Context) error
}

// StatusCode is the status string of the ProofServer
type StatusCode string

const (
	// StatusCodeAborted means prover is ready to take new proof. Previous
	// proof was aborted.
	StatusCodeAborted StatusCode = "aborted"
	// StatusCodeBusy means prover is busy computing proof.
	StatusCodeBusy StatusCode = "busy"
	// StatusCodeFailed means prover is ready to take new proof. Previous
	// proof failed
	StatusCodeFailed StatusCode = "failed"
	// StatusCodeSuccess means prover is ready to take new proof. Previous
	// proof succeeded
	StatusCodeSuccess StatusCode = "success"
	// StatusCodeUninitialized means prover is not initialized
	StatusCodeUninitialized StatusCode = "uninitialized"
	// StatusCodeUndefined means prover is in an undefined state. Most
	// likely is booting up. Keep trying
	StatusCodeUndefined StatusCode = "undefined"
	// StatusCodeInitializing means prover is initializing and not ready yet
	StatusCodeInitializing StatusCode = "initializing"
	// StatusCodeReady means prover initialized and ready to do first proof
	StatusCodeReady StatusCode = "ready"
)

// IsReady returns true when the prover accepts new inputs
func (s StatusCode) IsReady() bool {
	switch s {
	case StatusCodeAborted, StatusCodeFailed, StatusCodeSuccess, StatusCodeReady:
		return true
	}
	return false
}

// IsInitialized returns true when the prover finished booting
func (s StatusCode) IsInitialized() bool {
	switch s {
	case StatusCodeUninitialized, StatusCodeUndefined, StatusCodeInitializing:
		return false
	}
	return true
}

// Status is the return struct for the status API endpoint.  Proof holds the
// JSON encoded common.ProofInput of the last job.
type Status struct {
	Status StatusCode `json:"status"`
	Proof  string     `json:"proof"`
}

// ErrorServer is the return struct for an API error
type ErrorServer struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"msg"`
}

// Error message returned by the server
func (e ErrorServer) Error() string {
	return fmt.Sprintf("server proof status (%v): %v", e.Status, e.Message)
}

type apiMethod string

const (
	// GET is an HTTP GET
	GET apiMethod = "GET"
	// POST is an HTTP POST with maybe JSON body
	POST apiMethod = "POST"
)

const (
	defaultRetryMax = 3
	apiPrefix       = "api/v1/"
)

// ProofServerClient contains the data related to a ProofServerClient
type ProofServerClient struct {
	URL          string
	client       *sling.Sling
	pollInterval time.Duration

	mu     sync.Mutex
	inputs *common.ZKInputs
}

// NewProofServerClient creates a new ServerProof
func NewProofServerClient(URL string, pollInterval, timeout time.Duration) *ProofServerClient {
	if !strings.HasSuffix(URL, "/") {
		URL += "/"
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = defaultRetryMax
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = timeout
	return &ProofServerClient{
		URL:          URL,
		client:       sling.New().Base(URL).Client(retryClient.StandardClient()),
		pollInterval: pollInterval,
	}
}

func (p *ProofServerClient) apiRequest(ctx context.Context, method apiMethod, path string,
	body interface{}, ret interface{}) error {
	path = apiPrefix + path
	var req *http.Request
	var err error
	switch method {
	case GET:
		req, err = p.client.New().Get(path).Request()
	case POST:
		req, err = p.client.New().Post(path).BodyJSON(body).Request()
	default:
		return common.Wrap(fmt.Errorf("invalid http method: %v", method))
	}
	if err != nil {
		return common.Wrap(err)
	}
	var errSrv ErrorServer
	res, err := p.client.Do(req.WithContext(ctx), ret, &errSrv)
	if err != nil {
		return common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if !(200 <= res.StatusCode && res.StatusCode < 300) {
		return common.Wrap(errSrv)
	}
	return nil
}

func (p *ProofServerClient) apiStatus(ctx context.Context) (*Status, error) {
	var status Status
	return &status, p.apiRequest(ctx, GET, "status", nil, &status)
}

func (p *ProofServerClient) apiInput(ctx context.Context, zkInputs *common.ZKInputs) error {
	var res interface{}
	return p.apiRequest(ctx, POST, "input", zkInputs, &res)
}

func (p *ProofServerClient) apiCancel(ctx context.Context) error {
	var res interface{}
	return p.apiRequest(ctx, POST, "cancel", nil, &res)
}

// CalculateProof sends the *common.ZKInputs to the ServerProof to compute the
// Proof
func (p *ProofServerClient) CalculateProof(ctx context.Context, zkInputs *common.ZKInputs) error {
	if err := p.apiInput(ctx, zkInputs); err != nil {
		return err
	}
	p.mu.Lock()
	p.inputs = zkInputs
	p.mu.Unlock()
	return nil
}

// GetProof retrieves the Proof from the ServerProof, blocking until the proof
// is ready.
func (p *ProofServerClient) GetProof(ctx context.Context) (*common.ProofInput, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, err
	}
	status, err := p.apiStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status.Status != StatusCodeSuccess {
		return nil, common.Wrap(fmt.Errorf("proof server finished with status %v", status.Status))
	}
	proof, err := common.ProofInputFromBytes([]byte(status.Proof))
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	inputs := p.inputs
	p.mu.Unlock()
	if inputs != nil {
		if proof.BlockNumber != 0 && proof.BlockNumber != inputs.BlockNumber {
			return nil, common.Wrap(fmt.Errorf("proof of block %d, expected block %d",
				proof.BlockNumber, inputs.BlockNumber))
		}
		proof.BlockNumber = inputs.BlockNumber
		proof.Commitment = inputs.Commitment
	}
	return proof, nil
}

// Cancel cancels any current proof computation
func (p *ProofServerClient) Cancel(ctx context.Context) error {
	return p.apiCancel(ctx)
}

// WaitReady waits until the serverProof is ready
func (p *ProofServerClient) WaitReady(ctx context.Context) error {
	for {
		status, err := p.apiStatus(ctx)
		if err != nil {
			return err
		}
		if !status.Status.IsInitialized() {
			return common.Wrap(fmt.Errorf("Proof Server not initialized"))
		}
		if status.Status.IsReady() {
			return nil
		}
		log.Debugw("ProofServerClient: waiting", "url", p.URL, "status", status.Status)
		select {
		case <-ctx.Done():
			return common.Wrap(common.ErrDone)
		case <-time.After(p.pollInterval):
		}
	}
}

// MockClient is a mock ServerProof to be used in tests.  It doesn't calculate
// anything
type MockClient struct {
	mu      sync.Mutex
	counter int64
	inputs  *common.ZKInputs
	Delay   time.Duration
	// Fail makes GetProof return an error
	Fail bool
}

// CalculateProof sends the *common.ZKInputs to the ServerProof to compute the
// Proof
func (p *MockClient) CalculateProof(ctx context.Context, zkInputs *common.ZKInputs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	p.inputs = zkInputs
	return nil
}

// GetProof retrieves the Proof from the ServerProof
func (p *MockClient) GetProof(ctx context.Context) (*common.ProofInput, error) {
	select {
	case <-time.After(p.Delay):
	case <-ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail {
		return nil, common.Wrap(fmt.Errorf("mock proof failure"))
	}
	if p.inputs == nil {
		return nil, common.Wrap(fmt.Errorf("no inputs"))
	}
	return &common.ProofInput{
		BlockNumber: p.inputs.BlockNumber,
		Commitment:  p.inputs.Commitment,
		Proof:       nil,
		VkIndexes:   []uint8{uint8(p.counter)},
	}, nil
}

// Cancel cancels any current proof computation
func (p *MockClient) Cancel(ctx context.Context) error {
	return nil
}

// WaitReady waits until the prover is ready
func (p *MockClient) WaitReady(ctx context.Context) error {
	return nil
}
