package middleware

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const claimsKey = "claims"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	SecretKey string
	Issuer    string
	Audience  string
}

// TokenValidator checks HS256 bearer tokens against the configured secret,
// issuer and audience.
type TokenValidator struct {
	secretKey []byte
	parser    *jwt.Parser
}

func NewTokenValidator(cfg AuthConfig) *TokenValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &TokenValidator{
		secretKey: []byte(cfg.SecretKey),
		parser:    jwt.NewParser(opts...),
	}
}

func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secretKey, nil
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse token"), ErrInvalidToken)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate returns the subject of the request's token. Browsers can't
// set headers on a websocket handshake, so the access_token query
// parameter is accepted as well.
func (v *TokenValidator) Authenticate(r *http.Request) (string, error) {
	tokenString, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || tokenString == "" {
		tokenString = r.URL.Query().Get("access_token")
	}
	if tokenString == "" {
		return "", errors.Mark(errors.New("no token provided"), ErrInvalidToken)
	}

	claims, err := v.Validate(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.Mark(errors.New("token has no subject"), ErrInvalidToken)
	}
	return claims.Subject, nil
}

// JWTAuth rejects requests without a valid bearer token and stores the
// claims on the context.
func JWTAuth(validator *TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenString == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "No token provided"})
			}

			claims, err := validator.Validate(tokenString)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Token is invalid"})
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// RequireRole lets the request through only if the token carries role.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := ClaimsFrom(c)
			if claims == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "No token provided"})
			}
			if claims.Role != role {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Insufficient role"})
			}
			return next(c)
		}
	}
}

// ClaimsFrom returns the claims JWTAuth stored, or nil.
func ClaimsFrom(c echo.Context) *Claims {
	claims, _ := c.Get(claimsKey).(*Claims)
	return claims
}
