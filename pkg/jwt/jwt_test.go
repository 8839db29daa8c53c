package jwt

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "dev-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return s
}

func newManager(t *testing.T) (*JWTManager, string) {
	t.Helper()
	em, err := encryption.NewEncryptionManagerFromKey(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token.enc")
	return NewJWTManager(path, file.NewFileService(), em), path
}

func TestJWTManager_SaveAndLoad(t *testing.T) {
	jm, path := newManager(t)
	token := signedToken(t, time.Now().Add(15*time.Minute))
	require.NoError(t, jm.SaveJWT(token))

	em, _ := encryption.NewEncryptionManagerFromKey(bytes.Repeat([]byte{1}, 32))
	reloaded := NewJWTManager(path, file.NewFileService(), em)
	require.NoError(t, reloaded.LoadJWT())
	assert.Equal(t, token, reloaded.GetJWT())
}

func TestJWTManager_ExpiredTokenIsRefreshed(t *testing.T) {
	jm, _ := newManager(t)
	require.NoError(t, jm.SaveJWT(signedToken(t, time.Now().Add(10*time.Second))))
	assert.Empty(t, jm.GetJWT(), "token inside the expiry skew is treated as expired")

	fresh := signedToken(t, time.Now().Add(15*time.Minute))
	calls := 0
	jm.SetRefresher(func(ctx context.Context) (string, error) {
		calls++
		return fresh, nil
	})

	got, err := jm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	got, err = jm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 1, calls)
}

func TestJWTManager_TokenErrors(t *testing.T) {
	jm, _ := newManager(t)

	_, err := jm.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoRefresher)

	jm.SetRefresher(func(ctx context.Context) (string, error) {
		return "", errors.New("offline")
	})
	_, err = jm.Token(context.Background())
	assert.Error(t, err)

	assert.Error(t, jm.SaveJWT("not-a-jwt"))
}

func TestJWTManager_Invalidate(t *testing.T) {
	jm, _ := newManager(t)
	require.NoError(t, jm.SaveJWT(signedToken(t, time.Now().Add(time.Hour))))
	jm.Invalidate()
	assert.Empty(t, jm.GetJWT())
}
