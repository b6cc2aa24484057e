package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func signTestToken(t *testing.T, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestIdentityFromToken_Patient(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	token := signTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		PatientID: "P-42",
		Name:      "Jane Doe",
		Roles:     []string{"patient"},
	})

	id, err := IdentityFromToken("Bearer "+token, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	patientID, ok := id.Patient()
	if !ok || patientID != "P-42" {
		t.Errorf("expected patient P-42, got %q (%v)", patientID, ok)
	}
	if id.IsStaff() {
		t.Error("patient token must not be staff")
	}
	if id.Name != "Jane Doe" {
		t.Errorf("expected name Jane Doe, got %s", id.Name)
	}
}

func TestIdentityFromToken_SubjectFallback(t *testing.T) {
	token := signTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "P-7"},
		Roles:            []string{RolePatient},
	})

	id, err := IdentityFromToken(token, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p, ok := id.Patient(); !ok || p != "P-7" {
		t.Errorf("expected subject fallback P-7, got %q", p)
	}
}

func TestIdentityFromToken_Staff(t *testing.T) {
	token := signTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "nurse-1"},
		Roles:            []string{"STAFF"},
	})

	id, err := IdentityFromToken(token, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !id.IsStaff() {
		t.Error("expected staff identity")
	}
	if _, ok := id.Patient(); ok {
		t.Error("staff without patient claim has no patient identity")
	}
}

func TestIdentityFromToken_Errors(t *testing.T) {
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	if _, err := IdentityFromToken("", now); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}

	if _, err := IdentityFromToken("not-a-jwt", now); err == nil {
		t.Error("expected parse error")
	}

	expired := signTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "P-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}})
	if _, err := IdentityFromToken(expired, now); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	noSub := signTestToken(t, Claims{PatientID: "P-1"})
	if _, err := IdentityFromToken(noSub, now); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("expected ErrMissingClaim, got %v", err)
	}
}

func TestPublisherMiddleware(t *testing.T) {
	secret := []byte("relay-secret")
	e := echo.New()
	e.POST("/publish", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	}, PublisherMiddleware(secret))

	// No token.
	req := httptest.NewRequest(http.MethodPost, "/publish", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Wrong secret.
	bad, _ := SignPublisherToken([]byte("other"), time.Minute)
	req = httptest.NewRequest(http.MethodPost, "/publish", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+bad)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", rec.Code)
	}

	// Valid token.
	good, err := SignPublisherToken(secret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/publish", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+good)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with valid token, got %d", rec.Code)
	}
}

func TestPublisherMiddleware_DisabledWithoutSecret(t *testing.T) {
	e := echo.New()
	e.POST("/publish", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	}, PublisherMiddleware(nil))

	req := httptest.NewRequest(http.MethodPost, "/publish", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with auth disabled, got %d", rec.Code)
	}
}
