package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"zkrollup-operator/common"

	"github.com/dghubble/sling"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
	defaultRetryMax        = 2
)

// GasSpeed selects one of the prices returned by the gas oracle
type GasSpeed string

const (
	// GasSpeedSafe is the SafeGasPrice
	GasSpeedSafe GasSpeed = "safe"
	// GasSpeedPropose is the ProposeGasPrice
	GasSpeedPropose GasSpeed = "propose"
	// GasSpeedFast is the FastGasPrice
	GasSpeedFast GasSpeed = "fast"
)

type etherscanResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Result  GasPriceEtherscan `json:"result"`
}

// GasPriceEtherscan definition
type GasPriceEtherscan struct {
	LastBlock       string `json:"LastBlock"`
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

// Wei returns the price for speed in wei. The oracle answers in gwei,
// possibly with decimals.
func (g *GasPriceEtherscan) Wei(speed GasSpeed) (*big.Int, error) {
	var s string
	switch speed {
	case GasSpeedSafe:
		s = g.SafeGasPrice
	case GasSpeedFast:
		s = g.FastGasPrice
	default:
		s = g.ProposeGasPrice
	}
	gwei, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, common.Wrap(fmt.Errorf("invalid gas price %q", s))
	}
	wei := new(big.Rat).Mul(gwei, new(big.Rat).SetInt64(1e9)) //nolint:gomnd
	return new(big.Int).Quo(wei.Num(), wei.Denom()), nil
}

// Service definition
type Service struct {
	clientEtherscan *sling.Sling
	apiKey          string
}

// Client is the interface to a gas price oracle
type Client interface {
	// Blocking.  Returns the gas price.
	GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error)
}

// NewEtherscanService is the constructor that creates an etherscanService
func NewEtherscanService(etherscanURL string, apikey string) (*Service, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = defaultRetryMax
	retryClient.Logger = nil
	retryClient.HTTPClient.Transport = &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	return &Service{
		clientEtherscan: sling.New().Base(etherscanURL).Client(retryClient.StandardClient()),
		apiKey:          apikey,
	}, nil
}

type gasOracleParams struct {
	Module string `url:"module"`
	Action string `url:"action"`
	APIKey string `url:"apikey"`
}

// GetGasPrice queries the gas oracle
func (s *Service) GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error) {
	var resBody etherscanResponse
	req, err := s.clientEtherscan.New().Get("api").
		QueryStruct(&gasOracleParams{Module: "gastracker", Action: "gasoracle", APIKey: s.apiKey}).
		Request()
	if err != nil {
		return nil, common.Wrap(err)
	}
	res, err := s.clientEtherscan.Do(req.WithContext(ctx), &resBody, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, common.Wrap(fmt.Errorf("etherscan status %d", res.StatusCode))
	}
	if resBody.Status != "1" {
		return nil, common.Wrap(fmt.Errorf("etherscan error: %s", resBody.Message))
	}
	return &resBody.Result, nil
}
