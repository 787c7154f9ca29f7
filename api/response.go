package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"zkrollup-operator/common"
	"zkrollup-operator/coordinator"
	"zkrollup-operator/log"

	"github.com/gin-gonic/gin"
)

const (
	errMsgNotFound    = "item not found"
	errMsgNotLeader   = "this node is not the leader, try again later"
	errMsgUnavailable = "too many requests, try again later"
)

func successResponse(c *gin.Context, status int, message string, data ...interface{}) {
	response := gin.H{
		"message": message,
	}
	if len(data) > 0 {
		response["data"] = data[0]
	}
	c.JSON(status, response)
}

func errorResponse(c *gin.Context, status int, message string, err ...interface{}) {
	response := gin.H{
		"message": message,
	}
	if len(err) > 0 {
		response["error"] = err[0]
	}
	c.JSON(status, response)
}

// retBadReq answers a malformed request
func retBadReq(c *gin.Context, err error) {
	log.Debugw("API: bad request", "path", c.FullPath(), "err", err)
	errorResponse(c, http.StatusBadRequest, "bad request", common.Unwrap(err).Error())
}

// retErr maps err to a status code.  Validation errors are returned
// verbatim to the caller.  A timeout acquiring a SQL connection is reported
// as unavailable.
func retErr(c *gin.Context, err error) {
	unwrapped := common.Unwrap(err)
	switch {
	case common.IsValidationError(err):
		errorResponse(c, http.StatusBadRequest, "invalid transaction", unwrapped.Error())
	case errors.Is(unwrapped, sql.ErrNoRows):
		errorResponse(c, http.StatusNotFound, errMsgNotFound)
	case errors.Is(unwrapped, coordinator.ErrNotLeader):
		errorResponse(c, http.StatusServiceUnavailable, errMsgNotLeader)
	case errors.Is(unwrapped, context.DeadlineExceeded):
		errorResponse(c, http.StatusServiceUnavailable, errMsgUnavailable)
	default:
		log.Warnw("API: internal error", "path", c.FullPath(), "err", err)
		errorResponse(c, http.StatusInternalServerError, "internal error", unwrapped.Error())
	}
}

func (a *API) noRoute(c *gin.Context) {
	errorResponse(c, http.StatusNotFound, "endpoint not found")
}
