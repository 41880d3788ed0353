// Package auth resolves request identity from static bearer keys. Two
// modes: "none" grants full access (development only, the constructor
// refuses it outside dev mode), and "static" maps a global admin key plus
// per-tenant API keys from configuration.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrInvalid means the request carried no usable credentials.
	ErrInvalid = errors.New("missing or unknown API key")

	// ErrForbidden means the identity does not cover the addressed tenant.
	ErrForbidden = errors.New("access to this tenant is not allowed")

	// ErrAdminRequired means the operation needs the global admin key.
	ErrAdminRequired = errors.New("admin access required")
)

// Identity is the resolved caller.
type Identity struct {
	// Tenant the caller may act on. Empty for admin identities, which may
	// act on any tenant.
	Tenant string

	IsAdmin bool
}

// Config holds the identity policy.
type Config struct {
	// Mode is "none" or "static".
	Mode string

	// GlobalKey grants admin access in static mode.
	GlobalKey string

	// APIKeys maps bearer key to tenant in static mode.
	APIKeys map[string]string

	// DefaultTenant is the tenant granted in "none" mode.
	DefaultTenant string

	// DevMode permits "none" mode. An unauthenticated production service
	// is a misconfiguration, not a default.
	DevMode bool
}

// Authenticator resolves identities for incoming requests. The key set can
// be swapped at runtime via Update, so a tenants-file reload rotates keys
// without a restart.
type Authenticator struct {
	mu            sync.RWMutex
	mode          string
	globalKey     string
	apiKeys       map[string]string
	defaultTenant string
}

func New(cfg Config) (*Authenticator, error) {
	a := &Authenticator{}
	if err := a.Update(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Update validates and swaps in a new key set. On error the previous state
// stays in effect.
func (a *Authenticator) Update(cfg Config) error {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "none":
		if !cfg.DevMode {
			return errors.New("auth.mode none requires dev mode; configure static keys for production")
		}
	case "static":
		if cfg.GlobalKey == "" && len(cfg.APIKeys) == 0 {
			return errors.New("auth.mode static requires global_key or api_keys")
		}
	default:
		return fmt.Errorf("unknown auth.mode: %q", cfg.Mode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
	a.globalKey = cfg.GlobalKey
	a.apiKeys = cfg.APIKeys
	a.defaultTenant = cfg.DefaultTenant
	return nil
}

// Resolve extracts the caller identity from the Authorization header.
func (a *Authenticator) Resolve(r *http.Request) (Identity, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.mode == "none" {
		return Identity{Tenant: a.defaultTenant, IsAdmin: true}, nil
	}

	header := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || key == "" {
		return Identity{}, ErrInvalid
	}
	if a.globalKey != "" && key == a.globalKey {
		return Identity{IsAdmin: true}, nil
	}
	if tenant, ok := a.apiKeys[key]; ok {
		return Identity{Tenant: tenant}, nil
	}
	return Identity{}, ErrInvalid
}

type contextKey struct{}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the middleware. The zero
// identity means unauthenticated.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}

// Middleware resolves the identity and attaches it to the request context.
// Resolution failures pass through: handlers decide which routes require
// credentials and map errors to their envelope format.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Resolve(r)
		if err == nil {
			r = r.WithContext(WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTenant checks that the identity covers the addressed tenant.
func RequireTenant(id Identity, tenant string) error {
	if id.IsAdmin {
		return nil
	}
	if id.Tenant == "" {
		return ErrInvalid
	}
	if id.Tenant != tenant {
		return ErrForbidden
	}
	return nil
}

// RequireAdmin checks for the admin flag.
func RequireAdmin(id Identity) error {
	if !id.IsAdmin {
		return ErrAdminRequired
	}
	return nil
}
