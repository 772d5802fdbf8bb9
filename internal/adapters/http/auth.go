package http

import (
	nethttp "net/http"
	"strings"

	"github.com/dkeye/Mesh/internal/adapters/identity"
	"github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionMember = "member"
	sessionName   = "name"
)

// bearerToken reads the Authorization header, falling back to ?token= for
// websocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// AuthMiddleware resolves the caller's identity from a token or from the
// cookie session a previous token established.
func AuthMiddleware(v *identity.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)

		if token := bearerToken(c); token != "" {
			who, err := v.Parse(token)
			if err != nil {
				c.AbortWithStatusJSON(nethttp.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
				return
			}
			sess.Set(sessionMember, string(who.ID))
			sess.Set(sessionName, who.Name)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
			c.Set(signal.IdentityKey, who)
			c.Next()
			return
		}

		if id, ok := sess.Get(sessionMember).(string); ok {
			name, _ := sess.Get(sessionName).(string)
			if who, err := domain.NewIdentity(id, name); err == nil {
				c.Set(signal.IdentityKey, who)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(nethttp.StatusUnauthorized, gin.H{"error": "authorization required"})
	}
}

func currentIdentity(c *gin.Context) domain.Identity {
	who, _ := c.MustGet(signal.IdentityKey).(domain.Identity)
	return who
}
