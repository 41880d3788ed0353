package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Mode: "none"}); err == nil {
		t.Error("none without dev mode should fail")
	}
	if _, err := New(Config{Mode: "static"}); err == nil {
		t.Error("static without keys should fail")
	}
	if _, err := New(Config{Mode: "oauth"}); err == nil {
		t.Error("unknown mode should fail")
	}
	if _, err := New(Config{Mode: "none", DevMode: true}); err != nil {
		t.Errorf("none in dev mode: %v", err)
	}
}

func TestResolveStatic(t *testing.T) {
	a, err := New(Config{
		Mode:      "static",
		GlobalKey: "root-key",
		APIKeys:   map[string]string{"acme-key": "acme"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	if _, err := a.Resolve(r); !errors.Is(err, ErrInvalid) {
		t.Errorf("no header: %v", err)
	}

	r.Header.Set("Authorization", "Bearer acme-key")
	id, err := a.Resolve(r)
	if err != nil || id.Tenant != "acme" || id.IsAdmin {
		t.Errorf("tenant key: %+v %v", id, err)
	}

	r.Header.Set("Authorization", "Bearer root-key")
	id, err = a.Resolve(r)
	if err != nil || !id.IsAdmin {
		t.Errorf("global key: %+v %v", id, err)
	}

	r.Header.Set("Authorization", "Bearer wrong")
	if _, err := a.Resolve(r); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown key: %v", err)
	}
}

func TestUpdateRotatesKeys(t *testing.T) {
	a, err := New(Config{Mode: "static", APIKeys: map[string]string{"old-key": "acme"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := a.Update(Config{Mode: "static"}); err == nil {
		t.Error("invalid update should fail")
	}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer old-key")
	if _, err := a.Resolve(r); err != nil {
		t.Errorf("failed update must keep old keys: %v", err)
	}

	if err := a.Update(Config{Mode: "static", APIKeys: map[string]string{"new-key": "acme"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := a.Resolve(r); !errors.Is(err, ErrInvalid) {
		t.Errorf("rotated-out key: %v", err)
	}
	r.Header.Set("Authorization", "Bearer new-key")
	if id, err := a.Resolve(r); err != nil || id.Tenant != "acme" {
		t.Errorf("rotated-in key: %+v %v", id, err)
	}
}

func TestResolveNone(t *testing.T) {
	a, err := New(Config{Mode: "none", DevMode: true, DefaultTenant: "acme"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, err := a.Resolve(httptest.NewRequest("GET", "/", nil))
	if err != nil || !id.IsAdmin || id.Tenant != "acme" {
		t.Errorf("none mode: %+v %v", id, err)
	}
}

func TestRequireTenant(t *testing.T) {
	if err := RequireTenant(Identity{IsAdmin: true}, "any"); err != nil {
		t.Errorf("admin: %v", err)
	}
	if err := RequireTenant(Identity{Tenant: "acme"}, "acme"); err != nil {
		t.Errorf("matching tenant: %v", err)
	}
	if err := RequireTenant(Identity{Tenant: "acme"}, "globex"); !errors.Is(err, ErrForbidden) {
		t.Errorf("mismatched tenant: %v", err)
	}
	if err := RequireTenant(Identity{}, "acme"); !errors.Is(err, ErrInvalid) {
		t.Errorf("unauthenticated: %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	if err := RequireAdmin(Identity{IsAdmin: true}); err != nil {
		t.Errorf("admin: %v", err)
	}
	if err := RequireAdmin(Identity{Tenant: "acme"}); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("tenant identity: %v", err)
	}
}
