package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// KeyProofPayload is the data a user signs to publish an identity key.
// Binding the user ID stops one account from claiming another's key.
//
// Format: chatmesh-identity|<user id>|<public key base64>
func KeyProofPayload(userID int64, pubkeyB64 string) []byte {
	return []byte("chatmesh-identity|" + strconv.FormatInt(userID, 10) + "|" + pubkeyB64)
}

// VerifyKeyProof checks that signatureB64 was made by the private half of
// pubkeyB64 over KeyProofPayload.
func VerifyKeyProof(userID int64, pubkeyB64, signatureB64 string) error {
	pub, err := ParsePublicKey(pubkeyB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, KeyProofPayload(userID, pubkeyB64), sig) {
		return ErrInvalidSignature
	}
	return nil
}
