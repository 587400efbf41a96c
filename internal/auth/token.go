// Package auth validates the bearer tokens carried by REST and websocket clients.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"teleconsult/pkg/clock"
	"teleconsult/pkg/types"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the caller identity. Role is the platform role, which becomes
// the session role once the caller is a participant.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenValidator implements HMAC JWT validation and issuance
type TokenValidator struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

// NewTokenValidator creates a new token validator
func NewTokenValidator(secret, issuer string, clk clock.Clock) *TokenValidator {
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenValidator{secret: []byte(secret), issuer: issuer, clock: clk}
}

// Validate parses tokenString and returns the actor it identifies
func (v *TokenValidator) Validate(tokenString string) (types.Actor, error) {
	if tokenString == "" {
		return types.Actor{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return types.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Actor{}, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	role := types.Role(claims.Role)
	if !types.IsValidUserID(userID) || !types.IsValidRole(role) {
		return types.Actor{}, fmt.Errorf("%w: bad identity claims", ErrInvalidToken)
	}
	return types.Actor{UserID: userID, Role: role}, nil
}

// Issue signs a token for actor valid for ttl
func (v *TokenValidator) Issue(actor types.Actor, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := &Claims{
		UserID: actor.UserID,
		Role:   string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			Subject:   actor.UserID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
