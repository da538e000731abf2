package chatmesh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Sessions marked is_encrypted carry bundles sealed with a shared room key.
// The server never sees the key: members hand it to each other wrapped to
// the recipient's Ed25519 identity key.

const (
	wrapInfo = "chatmesh-room-key-v1"

	// SealedMime marks the single text unit of a sealed bundle.
	SealedMime = "application/x-chatmesh-sealed"

	// RoomKeySize is the length of a room key.
	RoomKeySize = chacha20poly1305.KeySize

	ephemeralPKSize = 32
	nonceSize       = chacha20poly1305.NonceSize
	tagSize         = 16
	minWrappedLen   = ephemeralPKSize + nonceSize + RoomKeySize + tagSize
)

// CryptoError is an encryption or decryption failure.
type CryptoError struct {
	Message string
}

func (e *CryptoError) Error() string {
	return e.Message
}

// IsCryptoError reports whether err is a CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// NewRoomKey returns a random room key.
func NewRoomKey() ([]byte, error) {
	key := make([]byte, RoomKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func sessionAD(sessionID int64) []byte {
	return binary.BigEndian.AppendUint64([]byte("chatmesh-session:"), uint64(sessionID))
}

// SealBundle encrypts b under roomKey. The result is a one-unit bundle that
// can only be opened for the same session, so a ciphertext cannot be
// replayed into another room.
func SealBundle(roomKey []byte, sessionID int64, b Bundle) (Bundle, error) {
	aead, err := chacha20poly1305.New(roomKey)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid room key: %v", err)}
	}
	plaintext, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	wire := aead.Seal(nonce, nonce, plaintext, sessionAD(sessionID))

	return Bundle{{
		Type: UnitText,
		Text: base64.StdEncoding.EncodeToString(wire),
		Mime: SealedMime,
	}}, nil
}

// OpenBundle reverses SealBundle.
func OpenBundle(roomKey []byte, sessionID int64, sealed Bundle) (Bundle, error) {
	if len(sealed) != 1 || sealed[0].Mime != SealedMime {
		return nil, &CryptoError{Message: "bundle is not sealed"}
	}
	wire, err := base64.StdEncoding.DecodeString(sealed[0].Text)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid base64 ciphertext: %v", err)}
	}
	if len(wire) < nonceSize+tagSize {
		return nil, &CryptoError{Message: fmt.Sprintf("ciphertext too short: %d bytes", len(wire))}
	}

	aead, err := chacha20poly1305.New(roomKey)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid room key: %v", err)}
	}
	plaintext, err := aead.Open(nil, wire[:nonceSize], wire[nonceSize:], sessionAD(sessionID))
	if err != nil {
		return nil, &CryptoError{Message: "decryption failed: wrong key or tampered ciphertext"}
	}

	var b Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return nil, &CryptoError{Message: "decrypted bundle is malformed"}
	}
	return b, nil
}

// edPubToX25519 converts an Ed25519 public key to its Montgomery form.
func edPubToX25519(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// edSeedToX25519 derives the X25519 private scalar of an Ed25519 key.
func edSeedToX25519(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

func wrapKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(wrapInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapRoomKey encrypts roomKey for the holder of recipient's private key.
// Wire format, base64: ephemeral_pk[32] | nonce[12] | sealed key[48].
func WrapRoomKey(roomKey []byte, recipient ed25519.PublicKey) (string, error) {
	if len(roomKey) != RoomKeySize {
		return "", &CryptoError{Message: fmt.Sprintf("room key must be %d bytes", RoomKeySize)}
	}
	if len(recipient) != ed25519.PublicKeySize {
		return "", &CryptoError{Message: fmt.Sprintf("invalid public key length: %d", len(recipient))}
	}
	recipientX, err := edPubToX25519(recipient)
	if err != nil {
		return "", &CryptoError{Message: err.Error()}
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return "", err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientX)
	if err != nil {
		return "", &CryptoError{Message: "key agreement failed"}
	}
	key, err := wrapKey(shared, ephPub, recipientX)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	wire := make([]byte, 0, minWrappedLen)
	wire = append(wire, ephPub...)
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	wire = append(wire, nonce...)
	wire = aead.Seal(wire, nonce, roomKey, nil)
	return base64.StdEncoding.EncodeToString(wire), nil
}

// UnwrapRoomKey recovers a room key wrapped to priv's public key.
func UnwrapRoomKey(wrapped string, priv ed25519.PrivateKey) ([]byte, error) {
	wire, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid base64: %v", err)}
	}
	if len(wire) != minWrappedLen {
		return nil, &CryptoError{Message: fmt.Sprintf("wrapped key is %d bytes, want %d", len(wire), minWrappedLen)}
	}
	ephPub := wire[:ephemeralPKSize]
	nonce := wire[ephemeralPKSize : ephemeralPKSize+nonceSize]

	own := edSeedToX25519(priv.Seed())
	ownPub, err := curve25519.X25519(own, curve25519.Basepoint)
	if err != nil {
		return nil, &CryptoError{Message: "failed to derive X25519 public key"}
	}
	shared, err := curve25519.X25519(own, ephPub)
	if err != nil {
		return nil, &CryptoError{Message: "decryption failed: invalid ephemeral key"}
	}
	key, err := wrapKey(shared, ephPub, ownPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	roomKey, err := aead.Open(nil, nonce, wire[ephemeralPKSize+nonceSize:], nil)
	if err != nil {
		return nil, &CryptoError{Message: "decryption failed: wrong key or tampered ciphertext"}
	}
	return roomKey, nil
}
