// Package keys manages the provider's ephemeral cryptographic material.
// Keys are generated at startup, never persisted, and replaced on every
// restart; tokens signed before a restart fail validation afterwards,
// which is the intended recovery behavior for a stateless deployment.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

const (
	// SigningAlgorithm is the JWS algorithm for all issued tokens.
	SigningAlgorithm = jose.ES256

	// EncryptionKeyAlgorithm and EncryptionContentAlgorithm cover the
	// optional JWE layer for ID tokens.
	EncryptionKeyAlgorithm     = jose.RSA_OAEP_256
	EncryptionContentAlgorithm = jose.A128GCM

	encryptionKeyBits = 2048
)

// Manager holds the signing and encryption key pairs for the lifetime
// of the process. All fields are set in New and read-only afterwards,
// so the Manager is safe for concurrent use without locking.
type Manager struct {
	signingKey    *ecdsa.PrivateKey
	signingKeyID  string
	encryptionKey *rsa.PrivateKey
	encryptionKID string
}

// New generates a fresh ES256 signing key pair and an RSA-2048
// encryption key pair. Key IDs are RFC 7638 JWK thumbprints, so they
// are stable for a given key and collision-free across restarts.
func New() (*Manager, error) {
	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	signingKeyID, err := thumbprintKeyID(signingKey.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key ID: %w", err)
	}

	encryptionKey, err := rsa.GenerateKey(rand.Reader, encryptionKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	encryptionKID, err := thumbprintKeyID(encryptionKey.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key ID: %w", err)
	}

	return &Manager{
		signingKey:    signingKey,
		signingKeyID:  signingKeyID,
		encryptionKey: encryptionKey,
		encryptionKID: encryptionKID,
	}, nil
}

// thumbprintKeyID computes the RFC 7638 SHA-256 thumbprint of the
// public key, base64url encoded without padding.
func thumbprintKeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// SigningKey returns the private signing key wrapped for go-jose,
// carrying the key ID so it lands in the JWS header.
func (m *Manager) SigningKey() jose.SigningKey {
	return jose.SigningKey{
		Algorithm: SigningAlgorithm,
		Key: &jose.JSONWebKey{
			Key:       m.signingKey,
			KeyID:     m.signingKeyID,
			Algorithm: string(SigningAlgorithm),
			Use:       "sig",
		},
	}
}

// SigningKeyID returns the key ID of the current signing key.
func (m *Manager) SigningKeyID() string {
	return m.signingKeyID
}

// VerificationKey returns the public half of the signing key.
func (m *Manager) VerificationKey() *ecdsa.PublicKey {
	return &m.signingKey.PublicKey
}

// EncryptionRecipient returns the public encryption key wrapped as a
// JWE recipient for issuing encrypted ID tokens.
func (m *Manager) EncryptionRecipient() jose.Recipient {
	return jose.Recipient{
		Algorithm: EncryptionKeyAlgorithm,
		Key: &jose.JSONWebKey{
			Key:       m.encryptionKey.Public(),
			KeyID:     m.encryptionKID,
			Algorithm: string(EncryptionKeyAlgorithm),
			Use:       "enc",
		},
	}
}

// DecryptionKey returns the private encryption key. Relying parties
// would hold this in a real split deployment; the provider keeps it to
// validate encrypted ID tokens it issued itself.
func (m *Manager) DecryptionKey() *rsa.PrivateKey {
	return m.encryptionKey
}

// PublicJWKS returns the JSON Web Key Set served at the jwks_uri. It
// contains public halves only: the signing key for token verification
// and the encryption key so clients can request encrypted ID tokens.
func (m *Manager) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       m.signingKey.Public(),
				KeyID:     m.signingKeyID,
				Algorithm: string(SigningAlgorithm),
				Use:       "sig",
			},
			{
				Key:       m.encryptionKey.Public(),
				KeyID:     m.encryptionKID,
				Algorithm: string(EncryptionKeyAlgorithm),
				Use:       "enc",
			},
		},
	}
}
