// Package auth issues and verifies identity tokens and hashes passwords.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// Identity is the authenticated user a token names.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
}

// Claims represents the JWT claims for a user session
type Claims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Identity returns the user named by the claims.
func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Email: c.Email}
}

// RevocationStore records revoked token ids until they expire.
type RevocationStore interface {
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// TokenManager signs and validates HS256 identity tokens.
type TokenManager struct {
	secretKey []byte
	ttl       time.Duration
	revoked   RevocationStore
	now       func() time.Time
}

// NewTokenManager creates a token manager. revoked may be nil, in which case
// logout cannot invalidate tokens early.
func NewTokenManager(secretKey string, ttl time.Duration, revoked RevocationStore) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		revoked:   revoked,
		now:       time.Now,
	}
}

// TTL returns the lifetime of issued tokens.
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

// Issue signs a token for the given identity.
func (tm *TokenManager) Issue(id Identity) (string, *Claims, error) {
	now := tm.now()
	claims := &Claims{
		UserID: id.UserID,
		Email:  id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secretKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

func (tm *TokenManager) parse(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrNoToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	}, jwt.WithTimeFunc(tm.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Validate verifies the signature, expiry and revocation state of a token.
func (tm *TokenManager) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := tm.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if tm.revoked != nil && claims.ID != "" {
		revoked, err := tm.revoked.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevokedToken
		}
	}
	return claims, nil
}

// Revoke invalidates a still-valid token for the rest of its lifetime.
func (tm *TokenManager) Revoke(ctx context.Context, tokenString string) error {
	claims, err := tm.parse(tokenString)
	if err != nil {
		return err
	}
	if tm.revoked == nil {
		return errors.New("token revocation is not configured")
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	return tm.revoked.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
