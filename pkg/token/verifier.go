package token

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/fixtures"
)

// Verifier checks tokens against the public key the data service trusts.
type Verifier struct {
	key    *ecdsa.PublicKey
	parser *jwt.Parser
}

// VerifierOption configures a Verifier.
type VerifierOption func(*verifierOptions)

type verifierOptions struct {
	now    func() time.Time
	leeway time.Duration
}

// WithTimeFunc overrides the clock used for expiry checks.
func WithTimeFunc(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) {
		o.now = now
	}
}

// WithLeeway tolerates clock skew between the harness and the services.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) {
		o.leeway = d
	}
}

// NewVerifier creates a verifier for pub. Only the ES* method matching the
// key's curve is accepted.
func NewVerifier(pub *ecdsa.PublicKey, opts ...VerifierOption) (*Verifier, error) {
	method, err := MethodForKey(pub)
	if err != nil {
		return nil, err
	}

	o := verifierOptions{leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(o.leeway),
	}
	if o.now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(o.now))
	}

	return &Verifier{key: pub, parser: jwt.NewParser(parserOpts...)}, nil
}

// VerifierFromMaterial creates a verifier from the public half of m.
func VerifierFromMaterial(m *fixtures.Material, opts ...VerifierOption) (*Verifier, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: key material is required", domain.ErrKeyMaterialInvalid)
	}
	pub, err := m.PublicKey()
	if err != nil {
		return nil, err
	}
	return NewVerifier(pub, opts...)
}

// Verify parses and validates a token. Failures wrap domain.ErrTokenRejected.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrTokenRejected)
	}

	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTokenRejected, err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrTokenRejected)
	}
	if claims.Label == "" {
		return nil, fmt.Errorf("%w: missing label claim", domain.ErrTokenRejected)
	}
	return claims, nil
}
