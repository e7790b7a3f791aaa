// Package auth resolves x-api-key credentials to a principal: the master
// key, an application key looked up by hash, or a permissive default
// principal when key auth is disabled.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

// DefaultApplicationID is the tenant used when API key auth is disabled.
const DefaultApplicationID = "default"

// Principal is the authenticated caller of a request.
type Principal struct {
	ApplicationID string
	Name          string
	AllowedQueues []string
	IsMaster      bool
}

// AllowsQueue reports whether the principal may touch the named queue.
// Master bypasses queue scoping.
func (p *Principal) AllowsQueue(queue string) bool {
	if p.IsMaster {
		return true
	}
	for _, q := range p.AllowedQueues {
		if q == models.WildcardQueue || q == queue {
			return true
		}
	}
	return false
}

// Owns reports whether the principal may read or mutate a job owned by the
// given application.
func (p *Principal) Owns(applicationID string) bool {
	return p.IsMaster || p.ApplicationID == applicationID
}

// Resolver maps API keys to principals.
type Resolver struct {
	apps      repository.ApplicationRepository
	masterKey string
	enabled   bool
	logger    *slog.Logger
}

// NewResolver creates a resolver. When enabled is false every request
// resolves to the default principal regardless of key.
func NewResolver(apps repository.ApplicationRepository, masterKey string, enabled bool, logger *slog.Logger) *Resolver {
	return &Resolver{
		apps:      apps,
		masterKey: masterKey,
		enabled:   enabled,
		logger:    logger.With("component", "auth"),
	}
}

// Resolve authenticates an API key.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (*Principal, error) {
	if !r.enabled {
		return &Principal{
			ApplicationID: DefaultApplicationID,
			Name:          "default",
			AllowedQueues: []string{models.WildcardQueue},
		}, nil
	}

	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.New(apperr.CodeMissingAPIKey, "API key is required").
			WithHints("Pass your key in the x-api-key header")
	}

	if r.masterKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(r.masterKey)) == 1 {
		return &Principal{
			ApplicationID: "master",
			Name:          "master",
			AllowedQueues: []string{models.WildcardQueue},
			IsMaster:      true,
		}, nil
	}

	app, err := r.apps.GetByKeyHash(ctx, HashKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	if app == nil {
		r.logger.Warn("rejected unknown API key", "prefix", keyPrefix(apiKey))
		return nil, apperr.New(apperr.CodeInvalidAPIKey, "Invalid API key")
	}

	return &Principal{
		ApplicationID: app.ID,
		Name:          app.Name,
		AllowedQueues: app.Settings.AllowedQueues,
	}, nil
}

// GenerateKey mints a new application API key. Returns the plaintext key
// (shown once), its sha256 hash for storage, and the display prefix.
func GenerateKey() (key, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	key = "bk_" + base64.RawURLEncoding.EncodeToString(raw)
	return key, HashKey(key), keyPrefix(key), nil
}

// HashKey returns the hex sha256 of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func keyPrefix(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11] + "..."
}
