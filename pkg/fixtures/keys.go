package fixtures

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"

	"github.com/polisai/dataharness/pkg/domain"
)

const (
	privateKeyFile = "jwt.key"
	publicKeyFile  = "jwt.pub"
	apiKeyFile     = "api.key"
)

// Material is the key material bootstrapped into the authentication service.
type Material struct {
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	APIKey        string
}

// PrivateKeyBase64 is the private key PEM encoded for an environment variable.
func (m *Material) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(m.PrivateKeyPEM)
}

// PublicKeyBase64 is the public key PEM encoded for an environment variable.
func (m *Material) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(m.PublicKeyPEM)
}

// PrivateKey parses the private key.
func (m *Material) PrivateKey() (*ecdsa.PrivateKey, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(m.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %w", domain.ErrKeyMaterialInvalid, err)
	}
	return key, nil
}

// PublicKey parses the public key.
func (m *Material) PublicKey() (*ecdsa.PublicKey, error) {
	key, err := jwt.ParseECPublicKeyFromPEM(m.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %w", domain.ErrKeyMaterialInvalid, err)
	}
	return key, nil
}

// Validate checks that both keys parse and belong to the same pair.
func (m *Material) Validate() error {
	priv, err := m.PrivateKey()
	if err != nil {
		return err
	}
	pub, err := m.PublicKey()
	if err != nil {
		return err
	}
	if !priv.PublicKey.Equal(pub) {
		return fmt.Errorf("%w: public key does not match private key", domain.ErrKeyMaterialInvalid)
	}
	if m.APIKey == "" {
		return fmt.Errorf("%w: api key is empty", domain.ErrKeyMaterialInvalid)
	}
	return nil
}

// CurveByName maps a NIST curve name to its implementation.
func CurveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "", "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported curve %q", domain.ErrKeyMaterialInvalid, name)
	}
}

// GenerateMaterial creates a fresh keypair on the named curve and a random API key.
func GenerateMaterial(curveName string) (*Material, error) {
	curve, err := CurveByName(curveName)
	if err != nil {
		return nil, err
	}

	privateKey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	privateDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	apiKey, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	return &Material{
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateDER}),
		PublicKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}),
		APIKey:        apiKey,
	}, nil
}

// MaterialFromBase64 decodes keys given as base64 PEM, the form they take in
// environment variables.
func MaterialFromBase64(privateB64, publicB64, apiKey string) (*Material, error) {
	privatePEM, err := base64.StdEncoding.DecodeString(privateB64)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not base64: %w", domain.ErrKeyMaterialInvalid, err)
	}
	publicPEM, err := base64.StdEncoding.DecodeString(publicB64)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64: %w", domain.ErrKeyMaterialInvalid, err)
	}

	m := &Material{PrivateKeyPEM: privatePEM, PublicKeyPEM: publicPEM, APIKey: apiKey}
	if m.APIKey == "" {
		if m.APIKey, err = GenerateAPIKey(); err != nil {
			return nil, err
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// GenerateAPIKey returns 32 random bytes, hex encoded.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LoadMaterial reads material previously written by SaveMaterial.
func LoadMaterial(dir string) (*Material, error) {
	privatePEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, err
	}
	publicPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, err
	}
	apiKey, err := os.ReadFile(filepath.Join(dir, apiKeyFile))
	if err != nil {
		return nil, err
	}

	m := &Material{PrivateKeyPEM: privatePEM, PublicKeyPEM: publicPEM, APIKey: string(apiKey)}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveMaterial writes the material into dir with owner-only permissions.
func SaveMaterial(dir string, m *Material) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	files := map[string][]byte{
		privateKeyFile: m.PrivateKeyPEM,
		publicKeyFile:  m.PublicKeyPEM,
		apiKeyFile:     []byte(m.APIKey),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// LoadOrCreateMaterial returns the material stored in dir, generating and
// persisting a new set when none exists yet. The boolean reports creation.
func LoadOrCreateMaterial(dir, curveName string) (*Material, bool, error) {
	m, err := LoadMaterial(dir)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("failed to load key material from %s: %w", dir, err)
	}

	m, err = GenerateMaterial(curveName)
	if err != nil {
		return nil, false, err
	}
	if err := SaveMaterial(dir, m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}
