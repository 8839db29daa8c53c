package encryption

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptionManager_SealOpen(t *testing.T) {
	em, err := NewEncryptionManagerFromKey(testKey())
	require.NoError(t, err)

	ct, err := em.Seal([]byte("payload"), []byte("dev-1"))
	require.NoError(t, err)

	pt, err := em.Open(ct, []byte("dev-1"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(pt))

	_, err = em.Open(ct, []byte("dev-2"))
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestEncryptionManager_EncryptUsesFreshNonce(t *testing.T) {
	em, err := NewEncryptionManagerFromKey(testKey())
	require.NoError(t, err)

	a, err := em.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := em.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	pt, err := em.Decrypt(b)
	require.NoError(t, err)
	assert.Equal(t, "same", string(pt))
}

func TestEncryptionManager_Errors(t *testing.T) {
	_, err := NewEncryptionManagerFromKey([]byte("short"))
	assert.Error(t, err)

	em := NewEncryptionManager(nil)
	_, err = em.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNotInitialized)

	ready, err := NewEncryptionManagerFromKey(testKey())
	require.NoError(t, err)
	_, err = ready.Decrypt([]byte("tiny"))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSigner(t *testing.T) {
	s, err := NewSigner([]byte("webhook-secret"))
	require.NoError(t, err)

	sig := s.Sign([]byte("From=%2B15550001&Body=abc"))
	assert.True(t, s.Verify([]byte("From=%2B15550001&Body=abc"), sig))
	assert.False(t, s.Verify([]byte("From=%2B15550002&Body=abc"), sig))
	assert.False(t, s.Verify([]byte("x"), "not-hex"))

	_, err = NewSigner(nil)
	assert.Error(t, err)
}
