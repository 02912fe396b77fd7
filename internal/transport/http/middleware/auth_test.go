package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/arklim/twofactor-service/internal/infra/security"
)

// stubVerifier maps raw tokens to subjects; "expired" yields ErrExpiredAccessToken.
type stubVerifier map[string]string

func (s stubVerifier) Verify(token string) (*security.AccessTokenClaims, error) {
	if token == "expired" {
		return nil, security.ErrExpiredAccessToken
	}
	subject, ok := s[token]
	if !ok {
		return nil, security.ErrInvalidAccessToken
	}
	claims := &security.AccessTokenClaims{}
	claims.Subject = subject
	return claims, nil
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(EnrichContext(), RequireAuth(stubVerifier{"good": "user-42"}))
	router.GET("/me", func(c *gin.Context) {
		id, ok := GetAuthenticatedUserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id)
	})

	rejected := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic good",
		"no token":       "Bearer ",
		"unknown token":  "Bearer forged",
		"expired token":  "Bearer expired",
		"scheme only":    "Bearer",
	}
	for name, header := range rejected {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer good")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "user-42" {
		t.Fatalf("expected token subject to be forwarded, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestRequireAuthIgnoresIdentityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(EnrichContext(), RequireAuth(stubVerifier{"good": "user-42"}))
	router.GET("/me", func(c *gin.Context) {
		id, _ := GetAuthenticatedUserID(c)
		c.String(http.StatusOK, id)
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-ID", "victim")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected identity header alone to be rejected, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-ID", "victim")
	req.Header.Set("Authorization", "Bearer good")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Body.String() != "user-42" {
		t.Fatalf("expected subject from token, got %q", rr.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORS([]string{"https://login.example.com"}))
	router.POST("/verify", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/verify", nil)
	req.Header.Set("Origin", "https://login.example.com")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://login.example.com" {
		t.Fatalf("expected origin to be echoed")
	}
	allowHeaders := rr.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(allowHeaders, "Authorization") || strings.Contains(allowHeaders, "X-User-ID") {
		t.Fatalf("unexpected allowed headers %q", allowHeaders)
	}

	req = httptest.NewRequest(http.MethodOptions, "/verify", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" || rr.Header().Get("Access-Control-Allow-Methods") != "" {
		t.Fatalf("unknown origins must not receive CORS headers")
	}
}
