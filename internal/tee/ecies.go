// ecies.go - Integrated encryption over secp256k1.
//
// Ciphertext layout: ephemeral public key (33 bytes, compressed) || nonce (12) || sealed.
// The AEAD key is HKDF-SHA256 over the ECDH secret, bound to both public keys.
// Ciphertext length is plaintext length plus Overhead.

package tee

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	pubKeySize = secp256k1.PubKeyBytesLenCompressed
	nonceSize  = chacha20poly1305.NonceSize

	// Overhead is the number of bytes encryption adds to a plaintext.
	Overhead = pubKeySize + nonceSize + chacha20poly1305.Overhead
)

var eciesInfo = []byte("shielder-tee-ecies-v1")

// ErrDecryption is returned for ciphertexts that do not open under the given key.
var ErrDecryption = errors.New("decryption failed")

// GenerateKey returns a fresh secp256k1 key.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// ParsePublicKey parses a compressed or uncompressed secp256k1 public key.
func ParsePublicKey(b []byte) (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(b)
}

func sealKey(shared, ephemeral, recipient []byte) ([]byte, error) {
	info := make([]byte, 0, len(eciesInfo)+len(ephemeral)+len(recipient))
	info = append(info, eciesInfo...)
	info = append(info, ephemeral...)
	info = append(info, recipient...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext to pub under a one-time ephemeral key.
func Encrypt(pub *secp256k1.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Zero()
	ephPub := ephemeral.PubKey().SerializeCompressed()
	key, err := sealKey(secp256k1.GenerateSharedSecret(ephemeral, pub), ephPub, pub.SerializeCompressed())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, pubKeySize+nonceSize, Overhead+len(plaintext))
	copy(out, ephPub)
	nonce := out[pubKeySize : pubKeySize+nonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plaintext, ephPub), nil
}

// Decrypt opens a ciphertext produced by Encrypt for priv's public key.
func Decrypt(priv *secp256k1.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes is too short", ErrDecryption, len(ciphertext))
	}
	ephPub := ciphertext[:pubKeySize]
	eph, err := secp256k1.ParsePubKey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrDecryption, err)
	}
	key, err := sealKey(secp256k1.GenerateSharedSecret(priv, eph), ephPub, priv.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[pubKeySize : pubKeySize+nonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[pubKeySize+nonceSize:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}
