package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	OwnerTokenIssuer      = "connectd"
	defaultOwnerTokenTTL  = 24 * time.Hour
	ownerTokenClockLeeway = 30 * time.Second
)

// OwnerClaims identify the local user whose connections a request acts on.
type OwnerClaims struct {
	OwnerID uuid.UUID `json:"owner_id"`
	jwt.RegisteredClaims
}

// GenerateOwnerToken signs an HS256 token for ownerID. A zero TTL means one day.
func GenerateOwnerToken(ownerID uuid.UUID, config JWTConfig) (string, error) {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultOwnerTokenTTL
	}
	issued := time.Now()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, &OwnerClaims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    OwnerTokenIssuer,
			Subject:   ownerID.String(),
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
	}).SignedString([]byte(config.Secret))
}

// ValidateOwnerToken returns the owner a token was issued for. Every failure
// maps to ErrInvalidToken except expiry, which is ErrExpiredToken.
func ValidateOwnerToken(raw string, config JWTConfig) (uuid.UUID, error) {
	var claims OwnerClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return []byte(config.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(OwnerTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(ownerTokenClockLeeway),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return uuid.Nil, ErrExpiredToken
	case err != nil:
		return uuid.Nil, ErrInvalidToken
	case claims.OwnerID == uuid.Nil:
		return uuid.Nil, ErrInvalidToken
	}
	return claims.OwnerID, nil
}
