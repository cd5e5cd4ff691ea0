package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type memoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func (m *memoryRevocations) RevokeToken(_ context.Context, id string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]time.Time)
	}
	m.entries[id] = exp
	return nil
}

func (m *memoryRevocations) IsTokenRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[id]
	return ok && time.Now().Before(exp), nil
}

func TestIssueAndValidate(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, &memoryRevocations{})

	token, issued, err := tm.Issue(Identity{UserID: "u1", Email: "a@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, issued.ID)

	claims, err := tm.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Email: "a@example.com"}, claims.Identity())
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestValidateRejects(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, nil)
	good, _, err := tm.Issue(Identity{UserID: "u1", Email: "a@example.com"})
	require.NoError(t, err)

	other := NewTokenManager("ffffffffffffffffffffffffffffffff", time.Hour, nil)
	forged, _, err := other.Issue(Identity{UserID: "u1", Email: "a@example.com"})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", forged, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
		{"tampered", good + "x", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tm.Validate(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateExpired(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Minute, nil)
	tm.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := tm.Issue(Identity{UserID: "u1", Email: "a@example.com"})
	require.NoError(t, err)

	tm.now = time.Now
	_, err = tm.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRevoke(t *testing.T) {
	store := &memoryRevocations{}
	tm := NewTokenManager(testSecret, time.Hour, store)
	token, _, err := tm.Issue(Identity{UserID: "u1", Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, tm.Revoke(context.Background(), token))

	_, err = tm.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrRevokedToken)

	assert.ErrorIs(t, tm.Revoke(context.Background(), "junk"), ErrInvalidToken)
}

func TestRevokeWithoutStore(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, nil)
	token, _, err := tm.Issue(Identity{UserID: "u1"})
	require.NoError(t, err)
	assert.Error(t, tm.Revoke(context.Background(), token))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer   abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, PasswordCost, cost)

	assert.NoError(t, CheckPassword(hash, "correct horse"))
	assert.True(t, errors.Is(CheckPassword(hash, "battery staple"), ErrPasswordMismatch))
}
