package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestManager_GenerateAndValidate(t *testing.T) {
	manager := NewManager(testSecret, "mailzen", 15*time.Minute)

	token, expiresAt, err := manager.GenerateToken("user-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestManager_ValidateToken_Invalid(t *testing.T) {
	manager := NewManager(testSecret, "mailzen", time.Hour)

	_, err := manager.ValidateToken("invalid-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	t.Run("其它密钥签发的令牌", func(t *testing.T) {
		other := NewManager("ffffffffffffffffffffffffffffffff", "mailzen", time.Hour)
		token, _, err := other.GenerateToken("user-1", RoleService)
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不匹配", func(t *testing.T) {
		other := NewManager(testSecret, "someone-else", time.Hour)
		token, _, err := other.GenerateToken("user-1", RoleService)
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestManager_ValidateToken_Expired(t *testing.T) {
	manager := NewManager(testSecret, "mailzen", time.Minute)
	issued := time.Now().Add(-2 * time.Hour)
	manager.now = func() time.Time { return issued }

	token, _, err := manager.GenerateToken("user-1", RoleOperator)
	require.NoError(t, err)

	manager.now = time.Now
	_, err = manager.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestManager_GenerateToken_RequiresSubject(t *testing.T) {
	manager := NewManager(testSecret, "mailzen", time.Hour)
	_, _, err := manager.GenerateToken("", RoleOperator)
	assert.Error(t, err)
}
