package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

// ResultKey is the gin context key holding the *Result of a request.
const ResultKey ContextKey = "auth_result"

// GinAuth returns a gin middleware rejecting unauthenticated requests with
// 401. A nil Service lets every request through.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		res, err := s.Authenticate(c.Request)
		if err != nil || !res.Success {
			if err == nil {
				err = ErrInvalidCredentials
			}
			c.Header("WWW-Authenticate", `Basic realm="tailvisor"`)
			msg := err.Error()
			if !errors.Is(err, ErrMissingCredentials) {
				msg = ErrInvalidCredentials.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(string(ResultKey), res)
		c.Next()
	}
}

// FromContext returns the authentication result stored by GinAuth.
func FromContext(c *gin.Context) (*Result, bool) {
	v, ok := c.Get(string(ResultKey))
	if !ok {
		return nil, false
	}
	r, ok := v.(*Result)
	return r, ok
}
