// Package auth signs the hub WebSocket handshake with RSA-PSS.
//
// Signed message: timestamp_ms + "GET" + path. Headers:
//
//	HUB-ACCESS-KEY        key id
//	HUB-ACCESS-TIMESTAMP  unix milliseconds
//	HUB-ACCESS-SIGNATURE  base64(RSA-PSS-SHA256(message))
package auth

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
	"net/http"
	"os"
	"strconv"
	"time"
)

// Header names carried on the upgrade request.
const (
	HeaderKey       = "HUB-ACCESS-KEY"
	HeaderTimestamp = "HUB-ACCESS-TIMESTAMP"
	HeaderSignature = "HUB-ACCESS-SIGNATURE"
)

// Errors
var (
	ErrMissingHeaders = errors.New("missing handshake signature headers")
	ErrBadSignature   = errors.New("handshake signature mismatch")
	ErrExpired        = errors.New("handshake signature expired")
)

// Credentials holds the key id and private key used to sign handshakes.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// LoadCredentials loads credentials from a key id and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// LoadPublicKey loads an RSA public key from a PEM file. A private key
// file is accepted too; its public half is returned.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return rsaKey, nil
	default:
		priv, err := LoadPrivateKey(path)
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	}
}

// SignHandshake returns the headers for a WebSocket upgrade to path.
func (c *Credentials) SignHandshake(path string) (map[string]string, error) {
	timestampMs := time.Now().UnixMilli()

	signature, err := c.sign(signedMessage(timestampMs, path))
	if err != nil {
		return nil, err
	}

	return map[string]string{
		HeaderKey:       c.KeyID,
		HeaderTimestamp: strconv.FormatInt(timestampMs, 10),
		HeaderSignature: signature,
	}, nil
}

func (c *Credentials) sign(message string) (string, error) {
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verifier checks signed handshakes on the hub side.
type Verifier struct {
	Keys   map[string]*rsa.PublicKey // key id -> public key
	MaxAge time.Duration             // 0 = no freshness check
}

// Verify validates the signature headers on an upgrade request and
// returns the key id that signed it.
func (v *Verifier) Verify(r *http.Request) (string, error) {
	keyID := r.Header.Get(HeaderKey)
	ts := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	if keyID == "" || ts == "" || sig == "" {
		return "", ErrMissingHeaders
	}

	pub, ok := v.Keys[keyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", keyID)
	}

	timestampMs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}
	if v.MaxAge > 0 && time.Since(time.UnixMilli(timestampMs)) > v.MaxAge {
		return "", ErrExpired
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}

	hashed := sha256.Sum256([]byte(signedMessage(timestampMs, r.URL.Path)))
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], raw, opts); err != nil {
		return "", ErrBadSignature
	}

	return keyID, nil
}

// signedMessage is timestamp_ms + method + path.
func signedMessage(timestampMs int64, path string) string {
	return fmt.Sprintf("%dGET%s", timestampMs, path)
}
