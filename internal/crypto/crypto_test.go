package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.NoError(t, CheckPassword(hash, "correct horse"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong horse"), ErrPasswordMismatch)
}

func TestPasswordTooShort(t *testing.T) {
	_, err := HashPassword("short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	require.NoError(t, err)
	b, err := RandomToken(16)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestVerificationCode(t *testing.T) {
	code, err := VerificationCode()
	require.NoError(t, err)
	assert.Len(t, code, 6)
}

func TestNewServerID(t *testing.T) {
	id, err := uuid.Parse(NewServerID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestKeyProof(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, KeyProofPayload(42, pubB64)))
	assert.NoError(t, VerifyKeyProof(42, pubB64, sig))

	assert.ErrorIs(t, VerifyKeyProof(43, pubB64, sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyKeyProof(42, pubB64, "not base64!"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyKeyProof(42, "AAAA", sig), ErrInvalidPublicKey)
	assert.ErrorIs(t, VerifyKeyProof(42, "%%%", sig), ErrInvalidPublicKey)

	_, err = ParsePublicKey(pubB64)
	assert.NoError(t, err)
}
