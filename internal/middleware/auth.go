package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chitram/api/internal/auth"
)

const identityKey = "identity"

// Identify resolves the optional owner of the request. Bad credentials are
// rejected; missing ones leave the request anonymous.
func Identify(identifier auth.Identifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := identifier.Identify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

func CurrentIdentity(c *gin.Context) auth.Identity {
	val, exists := c.Get(identityKey)
	if !exists {
		return auth.Identity{}
	}
	identity, _ := val.(auth.Identity)
	return identity
}
