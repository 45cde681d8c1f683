package reports

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envSecretKey = "AGE_SECRET_KEY"
	envPublicKey = "AGE_PUBLIC_KEY"

	ageSecretHRP = "age-secret-key-"
)

// Signer signs and verifies bundle manifests with an Ed25519 key whose seed is
// the age X25519 secret key. A Signer built from a public key alone can only
// verify.
type Signer struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	recipient string
}

// NewSignerFromEnv reads AGE_SECRET_KEY and AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	s, err := NewSigner(os.Getenv(envSecretKey), os.Getenv(envPublicKey))
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", envSecretKey, envPublicKey, err)
	}
	return s, nil
}

// NewSigner builds a Signer from an AGE-SECRET-KEY-1... string, a base64
// Ed25519 public key, or both. When both are given they must belong together.
func NewSigner(secret, public string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	public = strings.TrimSpace(public)
	if secret == "" && public == "" {
		return nil, errors.New("a secret key or a public key is required")
	}

	s := &Signer{}
	if secret != "" {
		seed, err := seedFromAgeKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse secret key: %w", err)
		}
		s.private = ed25519.NewKeyFromSeed(seed)
		s.public = s.private.Public().(ed25519.PublicKey)
		identity, err := age.ParseX25519Identity(secret)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		s.recipient = identity.Recipient().String()
	}

	if public != "" {
		key, err := decodePublicKey(public)
		if err != nil {
			return nil, err
		}
		if s.public != nil && !bytes.Equal(s.public, key) {
			return nil, errors.New("public key does not match secret key")
		}
		s.public = key
	}
	return s, nil
}

// CanSign reports whether the signer holds a private key.
func (s *Signer) CanSign() bool {
	return s != nil && len(s.private) > 0
}

// Sign returns the base64 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if !s.CanSign() {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, payload)), nil
}

// Verify checks signature over payload. embedded is the key recorded in the
// manifest; it must match the signer's own key, which always wins.
func (s *Signer) Verify(payload []byte, signature, embedded string) error {
	if s == nil || len(s.public) == 0 {
		return errors.New("signer has no public key")
	}
	if embedded != "" {
		key, err := decodePublicKey(embedded)
		if err != nil {
			return fmt.Errorf("manifest %w", err)
		}
		if !bytes.Equal(key, s.public) {
			return errors.New("manifest signed by unexpected key")
		}
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if !ed25519.Verify(s.public, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.public) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.public)
}

// Recipient is the age1... recipient of the secret key, empty for
// verify-only signers.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

func seedFromAgeKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return nil, fmt.Errorf("unexpected key type %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
