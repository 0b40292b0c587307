// Package auth implements the Ed25519 challenge/response handshake used
// during session setup.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxNameLength is the maximum player name length in bytes.
const MaxNameLength = 32

// NewNonce returns a fresh 32-byte challenge nonce from the CSPRNG.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// GenerateKeypair returns a new Ed25519 keypair as raw 32-byte seeds/keys.
func GenerateKeypair() (priv, pub [32]byte, err error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], private.Seed())
	copy(pub[:], public)
	return priv, pub, nil
}

// challengeMessage is the byte string covered by the handshake signature.
func challengeMessage(nonce [32]byte, name string) []byte {
	msg := make([]byte, 0, 32+len(name))
	msg = append(msg, nonce[:]...)
	return append(msg, name...)
}

// Sign signs nonce||name with the 32-byte private key seed.
func Sign(priv [32]byte, nonce [32]byte, name string) [64]byte {
	key := ed25519.NewKeyFromSeed(priv[:])
	var sig [64]byte
	copy(sig[:], ed25519.Sign(key, challengeMessage(nonce, name)))
	return sig
}

// Verify reports whether sig is a valid signature over nonce||name by the
// holder of pub.
func Verify(pub [32]byte, nonce [32]byte, name string, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), challengeMessage(nonce, name), sig[:])
}

// ValidName reports whether name is acceptable: non-empty, at most
// MaxNameLength bytes, valid UTF-8, printable codepoints only.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameLength || !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
