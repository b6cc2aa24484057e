package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// PublisherIssuer is the expected iss claim of publish tokens.
const PublisherIssuer = "clinic-backend"

// PublisherMiddleware requires an HS256 bearer token signed with secret on
// every request. An empty secret disables the check, which is what local
// development and the sandbox use.
func PublisherMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if len(secret) == 0 {
			return next
		}
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			},
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithIssuer(PublisherIssuer),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid publish token")
			}
			return next(c)
		}
	}
}

// SignPublisherToken mints a publish token valid for ttl.
func SignPublisherToken(secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    PublisherIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign publish token: %w", err)
	}
	return signed, nil
}
