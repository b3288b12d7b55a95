package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	DefaultHeader = "X-User-ID"
	DefaultQuery  = "user_id"

	contextKey = "identity.user_id"
)

var ErrUnauthenticated = errors.New("identity: no verified user")

// Provider extracts the verified user id of a request. Verification itself
// happens upstream (gateway or auth proxy); this core only consumes the result.
type Provider interface {
	UserID(r *http.Request) (string, error)
}

// HeaderProvider reads the user id from a trusted header, falling back to a
// query parameter for websocket clients that cannot set headers.
type HeaderProvider struct {
	Header string
	Query  string
}

func NewHeaderProvider() HeaderProvider {
	return HeaderProvider{Header: DefaultHeader, Query: DefaultQuery}
}

func (p HeaderProvider) UserID(r *http.Request) (string, error) {
	if p.Header != "" {
		if id := strings.TrimSpace(r.Header.Get(p.Header)); id != "" {
			return id, nil
		}
	}
	if p.Query != "" {
		if id := strings.TrimSpace(r.URL.Query().Get(p.Query)); id != "" {
			return id, nil
		}
	}
	return "", ErrUnauthenticated
}

// Middleware rejects requests without a user id and stores it for UserID.
func Middleware(p Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := p.UserID(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "unauthenticated"})
			return
		}
		c.Set(contextKey, id)
		c.Next()
	}
}

// UserID returns the id stored by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(contextKey)
}
