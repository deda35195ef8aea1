package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/paygate/internal/config"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminMiddleware guards operator routes: buying on the node's behalf and
// reading the decision log.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || cfg.Auth.AdminKey == "" {
			c.Error(apperrors.New(apperrors.ErrUnauthorized, "admin key not configured", nil))
			c.Abort()
			return
		}
		got := c.GetHeader(HeaderAdminKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Auth.AdminKey)) != 1 {
			c.Error(apperrors.New(apperrors.ErrUnauthorized, "invalid admin key", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
