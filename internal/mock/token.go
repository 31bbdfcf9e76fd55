package mock

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionTTL = 24 * time.Hour

// sessionClaims are the JWT claims carried inside the session cookie.
type sessionClaims struct {
	User string `json:"user"`
	jwt.RegisteredClaims
}

// mintSession signs a session token for user with the current secret.
func (s *Server) mintSession(user string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "guildhall-mock",
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret())
}

// validateSession parses and validates a session token. Tokens minted before
// RevokeSessions fail here.
func (s *Server) validateSession(tokenString string) (*sessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.currentSecret(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func (s *Server) currentSecret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secret
}
