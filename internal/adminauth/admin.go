package adminauth

import (
	"context"
	"strings"

	"github.com/dgellow/oauth-front/internal/config"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
)

// IsAdmin checks if a user is admin (either config-based or flagged in the
// user registry)
func IsAdmin(ctx context.Context, username string, adminConfig *config.AdminConfig, users oauth.UserRegistry) bool {
	if adminConfig == nil || !adminConfig.Enabled {
		return false
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return false
	}

	// Check if user is a config admin (super admin)
	if IsConfigAdmin(username, adminConfig) {
		return true
	}

	if users == nil {
		return false
	}
	admin, err := users.IsAdmin(ctx, username)
	if err != nil {
		log.LogWarnWithFields("adminauth", "Admin lookup failed", map[string]any{
			"username": username,
			"error":    err.Error(),
		})
		return false
	}
	return admin
}

// IsConfigAdmin checks if a username is in the config admin list
func IsConfigAdmin(username string, adminConfig *config.AdminConfig) bool {
	if adminConfig == nil || !adminConfig.Enabled {
		return false
	}

	username = strings.TrimSpace(username)
	for _, admin := range adminConfig.Users {
		// Config entries may carry stray whitespace from hand edits
		if strings.TrimSpace(admin) == username {
			return true
		}
	}
	return false
}

// Registry wraps a UserRegistry so that config admins are admins too
type Registry struct {
	oauth.UserRegistry
	config *config.AdminConfig
}

func NewRegistry(users oauth.UserRegistry, adminConfig *config.AdminConfig) *Registry {
	return &Registry{UserRegistry: users, config: adminConfig}
}

// IsAdmin reports admin rights from either source. With admin disabled
// nobody is an admin.
func (r *Registry) IsAdmin(ctx context.Context, username string) (bool, error) {
	return IsAdmin(ctx, username, r.config, r.UserRegistry), nil
}
