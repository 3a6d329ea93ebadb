package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/streakkeeper/streakkeeper/internal/db/models"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
)

// SchedulerTokenHeader carries the shared secret presented by the external
// scheduler and by operators calling the admin API.
const SchedulerTokenHeader = "X-Scheduler-Token"

// SchedulerAuth validates the X-Scheduler-Token header against the bcrypt
// hash stored in system settings at bootstrap. Only the hash is ever
// persisted; the raw token exists solely in the caller's configuration.
//
// The hash is cached after the first successful lookup. Rotating the token
// requires a restart, which re-runs the bootstrap.
type SchedulerAuth struct {
	settings *repositories.SettingsRepository

	mu   sync.Mutex
	hash string
}

// NewSchedulerAuth creates the scheduler token guard.
func NewSchedulerAuth(settings *repositories.SettingsRepository) *SchedulerAuth {
	return &SchedulerAuth{settings: settings}
}

func (a *SchedulerAuth) tokenHash(c *gin.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hash != "" {
		return a.hash, nil
	}

	hash, err := a.settings.GetSetting(c.Request.Context(), models.SettingAdminTokenHash)
	if err != nil {
		return "", err
	}
	a.hash = hash
	return hash, nil
}

// Middleware rejects requests whose scheduler token is missing or wrong.
func (a *SchedulerAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(SchedulerTokenHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing " + SchedulerTokenHeader + " header",
			})
			return
		}

		hash, err := a.tokenHash(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication unavailable",
			})
			return
		}
		if hash == "" {
			// No token was ever bootstrapped; the admin surface stays closed.
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Admin access is not configured",
			})
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid scheduler token",
			})
			return
		}

		c.Next()
	}
}
