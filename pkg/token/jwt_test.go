package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret", 1, 1)

	access, err := m.GenerateToken(42, "alice", "USER")
	require.NoError(t, err)

	claims, err := m.VerifyAccessToken(access)
	require.NoError(t, err)
	assert.EqualValues(t, 42, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, TypeAccess, claims.TokenType)
}

func TestJWTManager_RejectsRefreshAsAccess(t *testing.T) {
	m := NewJWTManager("test-secret", 1, 1)

	refresh, err := m.GenerateRefreshToken(42, "alice", "USER")
	require.NoError(t, err)

	_, err = m.VerifyAccessToken(refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	claims, err := m.VerifyToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, claims.TokenType)
}

func TestJWTManager_RejectsForeignSignature(t *testing.T) {
	issued, err := NewJWTManager("one", 1, 1).GenerateToken(1, "bob", "USER")
	require.NoError(t, err)

	_, err = NewJWTManager("two", 1, 1).VerifyToken(issued)
	assert.Error(t, err)
}

func TestJWTManager_RejectsExpired(t *testing.T) {
	m := NewJWTManager("test-secret", 0, 0)
	issued, err := m.GenerateToken(1, "bob", "USER")
	require.NoError(t, err)

	_, err = m.VerifyToken(issued)
	assert.Error(t, err)
}
