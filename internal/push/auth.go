package push

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// socketTokenTTL is the lifetime of a dashboard socket token (24 hours).
const socketTokenTTL = 24 * time.Hour

// SocketClaims holds the JWT claims carried by a dashboard connection.
type SocketClaims struct {
	UserID int64  `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

var errNoToken = errors.New("missing bearer token")

// GenerateToken creates a signed JWT for a dashboard socket login.
func GenerateToken(secret []byte, userID int64, role string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(socketTokenTTL)

	claims := SocketClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "dialcast",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// ParseToken validates the signed token and returns its claims.
func ParseToken(secret []byte, tokenString string) (*SocketClaims, error) {
	claims := &SocketClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == 0 {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// tokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the "token" query parameter for browser WebSocket clients
// that cannot set headers.
func tokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1], nil
		}
		return "", errNoToken
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}
