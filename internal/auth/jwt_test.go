package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"family-calls/internal/config"

	"github.com/gin-gonic/gin"
)

var device = Identity{UserID: "user-1", ProfileID: "C1", Role: "child", FamilyID: "fam-1"}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newManager(t)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, device)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Identity() != device {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), device)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, _ := m.IssuePair(now, device)
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestRefreshKeepsIdentity(t *testing.T) {
	m := newManager(t)
	now := time.Now()
	p, _ := m.IssuePair(now, device)

	next, err := m.Refresh(now.Add(time.Minute), p.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, err := m.Verify(next.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil || claims.Identity() != device {
		t.Fatalf("unexpected refreshed claims: %+v err=%v", claims, err)
	}
	if _, err := m.Refresh(now, p.AccessToken); err == nil {
		t.Fatalf("access token must not refresh")
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t)
	p, _ := m.IssuePair(time.Now(), device)

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		id, err := FromContext(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.ProfileID)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "C1" {
		t.Fatalf("expected 200 C1, got %d %q", w.Code, w.Body.String())
	}
}
