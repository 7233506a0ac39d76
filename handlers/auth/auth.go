// Package auth issues and verifies the HS256 session tokens that identify a
// user to the REST API and the websocket transports. Logging users in is
// handled by the account service; this server only trusts its tokens.
package auth

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"coderoom-server/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const tokenLifetime = 7 * 24 * time.Hour

var (
	secretMu  sync.RWMutex
	jwtSecret []byte
)

// AppClaims represents the custom claims for the JWT.
type AppClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// User returns the identity carried by the token.
func (c *AppClaims) User() *core.User {
	return &core.User{ID: c.Subject, Name: c.Name}
}

// Init reads JWT_SECRET. Without it tokens cannot be verified and every
// authenticated request is rejected.
func Init() {
	SetSecret([]byte(os.Getenv("JWT_SECRET")))
	if len(Secret()) == 0 {
		logrus.Warn("JWT_SECRET is not set, authenticated endpoints will reject every request")
	}
}

func SetSecret(secret []byte) {
	secretMu.Lock()
	jwtSecret = secret
	secretMu.Unlock()
}

func Secret() []byte {
	secretMu.RLock()
	defer secretMu.RUnlock()
	return jwtSecret
}

// IssueJWT signs a token for user, valid for one week.
func IssueJWT(user *core.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", fmt.Errorf("user id is required: %w", core.ErrValidation)
	}
	secret := Secret()
	if len(secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}

	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Name: user.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseJWT(tokenString string) (*AppClaims, error) {
	secret := Secret()
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AppClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("token has no subject")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
