package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atmx/exchange-engine/internal/model"
)

var testJWT = JWT{Secret: []byte("test-secret"), Issuer: "exchange-test", TokenTTL: time.Hour}

func TestSignVerify_RoundTrip(t *testing.T) {
	tok, err := testJWT.Sign("alice", RoleAdmin)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c, err := testJWT.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Subject != "alice" || c.Role != RoleAdmin {
		t.Errorf("unexpected claims %+v", c)
	}
}

func TestVerify_Rejects(t *testing.T) {
	other := JWT{Secret: []byte("other"), Issuer: "exchange-test", TokenTTL: time.Hour}
	wrongKey, _ := other.Sign("alice", "")

	wrongIssuer, _ := JWT{Secret: testJWT.Secret, Issuer: "someone-else", TokenTTL: time.Hour}.Sign("alice", "")
	expired, _ := JWT{Secret: testJWT.Secret, Issuer: "exchange-test", TokenTTL: -time.Minute}.Sign("alice", "")
	noSubject, _ := testJWT.Sign("", "")

	for name, tok := range map[string]string{
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
		"garbage":      "not.a.token",
	} {
		if _, err := testJWT.Verify(tok); err == nil {
			t.Errorf("%s: expected verification failure", name)
		}
	}
}

func TestMiddleware_SetsIdentity(t *testing.T) {
	var got Identity
	h := Middleware(testJWT)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	tok, _ := testJWT.Sign("bob", "")
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK || got.UserID != "bob" {
		t.Errorf("status %d identity %+v", w.Code, got)
	}
}

func TestMiddleware_MissingOrBadToken(t *testing.T) {
	h := Middleware(testJWT)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer nope"} {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%q: status %d, want 401", header, w.Code)
		}
	}
}

func TestAdmins(t *testing.T) {
	a := NewAdmins([]string{"ops"})

	if err := a.Authorize(Identity{UserID: "x", Role: RoleAdmin}); err != nil {
		t.Errorf("admin role: %v", err)
	}
	if err := a.Authorize(Identity{UserID: "ops"}); err != nil {
		t.Errorf("allowlisted user: %v", err)
	}
	if err := a.Authorize(Identity{UserID: "alice"}); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	h := a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("POST", "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: "alice"}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status %d, want 403", w.Code)
	}
}
