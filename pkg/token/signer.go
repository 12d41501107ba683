package token

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/fixtures"
)

// DefaultIssuer is written into tokens signed by the harness.
const DefaultIssuer = "dataharness"

// Signer signs identity tokens with the authentication service's private key.
type Signer struct {
	key    *ecdsa.PrivateKey
	method *jwt.SigningMethodECDSA
	issuer string
	now    func() time.Time
}

// NewSigner creates a signer from key material.
func NewSigner(m *fixtures.Material, issuer string) (*Signer, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: key material is required", domain.ErrKeyMaterialInvalid)
	}
	key, err := m.PrivateKey()
	if err != nil {
		return nil, err
	}
	method, err := MethodForKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{key: key, method: method, issuer: issuer, now: time.Now}, nil
}

// Method returns the signing algorithm name.
func (s *Signer) Method() string {
	return s.method.Alg()
}

// Sign issues a token for identity that expires after ttl.
func (s *Signer) Sign(identity domain.Identity, ttl time.Duration) (string, error) {
	if identity.Label == "" {
		return "", fmt.Errorf("%w: identity label is required", domain.ErrConfigInvalid)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: token ttl must be positive", domain.ErrConfigInvalid)
	}

	now := s.now()
	claims := &Claims{
		Label:  identity.Label,
		Values: identity.Values,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   identity.Label,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
