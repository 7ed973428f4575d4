package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingBearer = errors.New("auth: missing or malformed bearer token")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrInvalidClaims = errors.New("auth: invalid token claims")
)

// JWTVerifier verifies the bearer tokens consumers present on
// `type:"authenticate"`. Issuance belongs to a separate login
// collaborator outside this relay; this adapter only verifies.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// VerifyBearer strips an optional "Bearer " prefix and validates the JWT.
func (v *JWTVerifier) VerifyBearer(raw string) (jwt.MapClaims, error) {
	tokenStr := strings.TrimPrefix(raw, "Bearer ")
	if tokenStr == "" {
		return nil, ErrMissingBearer
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// UserIDFromClaims extracts the "sub" claim as a uint user id.
func UserIDFromClaims(claims jwt.MapClaims) (uint, error) {
	sub, ok := claims["sub"]
	if !ok {
		return 0, errors.New("auth: missing sub claim")
	}
	switch v := sub.(type) {
	case float64:
		return uint(v), nil
	case string:
		var id uint
		if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
			return 0, fmt.Errorf("auth: invalid sub claim: %w", err)
		}
		return id, nil
	default:
		return 0, errors.New("auth: unsupported sub claim type")
	}
}
