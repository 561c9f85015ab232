package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/tailvisor/internal/manager"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeID(c *gin.Context, id uint64) {
	c.String(http.StatusOK, strconv.FormatUint(id, 10))
}

// parseID reads the :id path parameter, answering 400 itself when invalid.
func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid process id: " + c.Param("id")})
		return 0, false
	}
	return id, true
}

// statusFor maps manager errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mng.ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, mng.ErrUnknownUser), errors.Is(err, mng.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, mng.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, mng.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
