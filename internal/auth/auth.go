// Package auth issues and verifies the server's HS256 access tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

const issuerName = "hybrid-tracker"

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the account role and, for non-admin accounts, the vehicles the
// bearer may access.
type Claims struct {
	Role     string   `json:"role"`
	Vehicles []string `json:"vehicles,omitempty"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the bearer may read or act on vehicleID.
func (c *Claims) CanAccess(vehicleID string) bool {
	if c.Role == constants.AccountFleetAdmin {
		return true
	}
	for _, v := range c.Vehicles {
		if v == vehicleID {
			return true
		}
	}
	return false
}

type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &Issuer{secret: secret, now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl.
func (i *Issuer) Issue(subject, role string, vehicles []string, ttl time.Duration) (string, time.Time, error) {
	now := i.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Role:     role,
		Vehicles: vehicles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, exp, nil
}

// Verify parses a token and checks its signature, algorithm and lifetime.
func (i *Issuer) Verify(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.Issuer != issuerName {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
