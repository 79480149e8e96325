// Package docsign is the crypto primitive for approval signatures: detached
// RSA-2048 PKCS#1 v1.5 signatures over SHA-256 of the revision bytes, stored
// base64-encoded, verified against a PEM public key snapshot.
package docsign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// ============================================================================
// DETACHED RSA SIGNATURES
// ============================================================================

// KeyBits is the RSA modulus size for generated key pairs.
const KeyBits = 2048

// ErrBadKey marks an unparseable or wrong-type key.
var ErrBadKey = errors.New("bad key material")

// Signer abstracts signature issuance so the engine never touches key
// material directly. The identity directory resolves a principal's opaque
// private-key handle to a Signer when the holder personally triggers a
// signing event.
type Signer interface {
	// Sign returns the detached signature over sha256(data), base64-encoded.
	Sign(data []byte) (string, error)

	// PublicKeyPEM returns the signer's public key, PEM-encoded, for
	// snapshotting alongside the signature.
	PublicKeyPEM() (string, error)
}

// RSASigner implements Signer over an in-process RSA private key.
type RSASigner struct {
	privateKey *rsa.PrivateKey
}

// GenerateSigner creates a Signer with a fresh RSA-2048 key pair.
func GenerateSigner() (*RSASigner, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("rsa key generation failed: %w", err)
	}
	return &RSASigner{privateKey: priv}, nil
}

// NewSignerFromKey wraps an existing RSA private key.
func NewSignerFromKey(priv *rsa.PrivateKey) *RSASigner {
	return &RSASigner{privateKey: priv}
}

// NewSignerFromPEM parses a PKCS#1 or PKCS#8 PEM private key.
func NewSignerFromPEM(pemData string) (*RSASigner, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrBadKey)
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSASigner{privateKey: priv}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", ErrBadKey)
	}
	return &RSASigner{privateKey: priv}, nil
}

func (s *RSASigner) Sign(data []byte) (string, error) {
	hash := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("pkcs1v15 sign failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *RSASigner) PublicKeyPEM() (string, error) {
	return EncodePublicKeyPEM(&s.privateKey.PublicKey)
}

// PrivateKeyPEM returns the private key in PKCS#1 PEM form. Only the
// identity directory calls this, to persist a principal's key material.
func (s *RSASigner) PrivateKeyPEM() string {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(s.privateKey)}
	return string(pem.EncodeToMemory(block))
}

// EncodePublicKeyPEM marshals an RSA public key to PKIX PEM.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKeyPEM parses a PKIX PEM public key snapshot.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrBadKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrBadKey)
	}
	return pub, nil
}

// Verify checks a detached base64 signature over sha256(data) against a PEM
// public key snapshot. A malformed key or signature is an error; a wrong
// signature is (false, nil).
func Verify(publicKeyPEM string, data []byte, signatureB64 string) (bool, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("signature is not valid base64: %w", err)
	}
	hash := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], sig); err != nil {
		return false, nil
	}
	return true, nil
}
