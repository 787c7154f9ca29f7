package api

import (
	"math/big"
	"net/http"

	"zkrollup-operator/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type chunkLayoutAPI struct {
	TokenBytes int `json:"tokenBytes"`
	ChunkBytes int `json:"chunkBytes"`
}

type configAPI struct {
	Version         string            `json:"version"`
	ChainID         *big.Int          `json:"chainId"`
	RollupAddress   ethCommon.Address `json:"rollupAddress"`
	ContractVersion uint8             `json:"contractVersion"`
	BlockChunkSizes []int             `json:"blockChunkSizes"`
	Layout          *chunkLayoutAPI   `json:"chunkLayout,omitempty"`
}

func newConfigAPI(setup Config) *configAPI {
	cfg := &configAPI{
		Version:         setup.Version,
		ChainID:         setup.ChainID,
		RollupAddress:   setup.RollupAddress,
		ContractVersion: uint8(setup.ContractVersion),
		BlockChunkSizes: setup.BlockChunkSizes,
	}
	if layout, err := common.ChunkLayoutFor(setup.ContractVersion); err == nil {
		cfg.Layout = &chunkLayoutAPI{
			TokenBytes: layout.TokenBytes,
			ChunkBytes: common.ChunkBytes,
		}
	}
	return cfg
}

func (a *API) getConfig(c *gin.Context) {
	successResponse(c, http.StatusOK, "node configuration", a.config)
}
