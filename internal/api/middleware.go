package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dreylabs/drey/pkg/entrystore"
)

// Headers carrying the caller identity. Authentication itself happens
// upstream (a gateway or reverse proxy); the daemon trusts these headers and
// only requires that they are present.
const (
	HeaderUser = "X-Drey-User"
	HeaderName = "X-Drey-Name"
)

const identityKey = "drey_identity"

// identityMiddleware extracts the caller identity and rejects the request
// before any record or room state is touched when it is missing.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := entrystore.Identity{
			UserID:      c.GetHeader(HeaderUser),
			DisplayName: c.GetHeader(HeaderName),
		}
		if identity.DisplayName == "" {
			identity.DisplayName = identity.UserID
		}

		if err := identity.Validate(); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "caller identity is required",
			})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// callerIdentity returns the identity placed by identityMiddleware.
func callerIdentity(c *gin.Context) entrystore.Identity {
	v, _ := c.Get(identityKey)
	identity, _ := v.(entrystore.Identity)
	return identity
}
