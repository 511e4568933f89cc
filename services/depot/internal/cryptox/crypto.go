// Package cryptox implements the two encryption paths of the depot.
//
// Single-ticket handoffs use a hybrid scheme: a fresh AES-256-GCM content key
// encrypts the file once and is then wrapped with the receiver's RSA-OAEP
// (SHA-256) public key. The key lives only for the duration of Seal.
//
// Dispenser tickets share one payload, so each response is encrypted under a
// key derived from the ticket id alone (SHA-256 of the id). Anyone holding the
// ticket id can derive that key; the scheme is only as strong as ticket-id
// secrecy and is weaker than the per-receiver wrap.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/go-jose/go-jose/v4"
)

const (
	KeySize       = 32 // AES-256
	NonceSize     = 12 // GCM standard nonce
	MinRSAKeyBits = 2048

	// JWKAlgorithm is the Web Crypto name of the wrap algorithm.
	JWKAlgorithm = "RSA-OAEP-256"
)

// randReader is swapped in tests to force cipher failures.
var randReader io.Reader = rand.Reader

// ParsePublicKey imports a receiver encryption key. It accepts a JWK object,
// a PEM block (PUBLIC KEY or RSA PUBLIC KEY) or raw PKIX DER.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty key", domain.ErrKeyImport)
	}

	var (
		key any
		err error
	)
	switch {
	case data[0] == '{':
		var jwk jose.JSONWebKey
		if err = json.Unmarshal(data, &jwk); err == nil {
			key = jwk.Key
		}
	case bytes.HasPrefix(data, []byte("-----BEGIN")):
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: malformed PEM", domain.ErrKeyImport)
		}
		if block.Type == "RSA PUBLIC KEY" {
			key, err = x509.ParsePKCS1PublicKey(block.Bytes)
		} else {
			key, err = x509.ParsePKIXPublicKey(block.Bytes)
		}
	default:
		key, err = x509.ParsePKIXPublicKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyImport, err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", domain.ErrKeyImport, key)
	}
	if pub.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: RSA key must be at least %d bits", domain.ErrKeyImport, MinRSAKeyBits)
	}
	return pub, nil
}

// PublicJWK serializes pub the way a browser exports an RSA-OAEP key.
func PublicJWK(pub *rsa.PublicKey) ([]byte, error) {
	return json.Marshal(jose.JSONWebKey{
		Key:       pub,
		Algorithm: JWKAlgorithm,
		Use:       "enc",
	})
}

// Seal performs the one-shot hybrid handoff for a single receiver. Neither the
// plaintext nor the content key is retained or logged.
func Seal(payload []byte, mimeType string, pub *rsa.PublicKey) (*domain.HandoffBundle, error) {
	key := make([]byte, KeySize)
	defer clear(key)

	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", domain.ErrCryptoOperation, err)
	}

	ciphertext, iv, err := sealGCM(key, payload)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), randReader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap key: %v", domain.ErrCryptoOperation, err)
	}

	return &domain.HandoffBundle{
		Ciphertext: ciphertext,
		WrappedKey: wrapped,
		IV:         iv,
		MimeType:   mimeType,
	}, nil
}

// Open is the receiver side of Seal.
func Open(bundle *domain.HandoffBundle, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, bundle.WrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key: %v", domain.ErrCryptoOperation, err)
	}
	defer clear(key)

	return openGCM(key, bundle.IV, bundle.Ciphertext)
}

// TicketKey derives the symmetric key of a dispenser ticket.
func TicketKey(ticketID string) [KeySize]byte {
	return sha256.Sum256([]byte(ticketID))
}

// SealForTicket encrypts the shared payload for one dispenser ticket with a
// fresh random IV.
func SealForTicket(payload []byte, ticketID string) (ciphertext, iv []byte, err error) {
	key := TicketKey(ticketID)
	defer clear(key[:])

	return sealGCM(key[:], payload)
}

// OpenForTicket is the receiver side of SealForTicket.
func OpenForTicket(ciphertext, iv []byte, ticketID string) ([]byte, error) {
	key := TicketKey(ticketID)
	defer clear(key[:])

	return openGCM(key[:], iv, ciphertext)
}

func sealGCM(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, NonceSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, nil, fmt.Errorf("%w: generate iv: %v", domain.ErrCryptoOperation, err)
	}

	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

func openGCM(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv must be %d bytes", domain.ErrCryptoOperation, aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoOperation, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoOperation, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoOperation, err)
	}
	return aead, nil
}
