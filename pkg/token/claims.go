package token

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/polisai/dataharness/pkg/domain"
)

// Claims is the payload of an identity token.
type Claims struct {
	Label  string              `json:"label"`
	Values map[string][]string `json:"values,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the user described by the claims.
func (c *Claims) Identity() domain.Identity {
	return domain.Identity{Label: c.Label, Values: c.Values}
}

// MethodForKey selects the ES* signing method matching the key's curve.
func MethodForKey(pub *ecdsa.PublicKey) (*jwt.SigningMethodECDSA, error) {
	if pub == nil || pub.Curve == nil {
		return nil, fmt.Errorf("%w: missing public key", domain.ErrKeyMaterialInvalid)
	}
	switch pub.Curve.Params().Name {
	case "P-256":
		return jwt.SigningMethodES256, nil
	case "P-384":
		return jwt.SigningMethodES384, nil
	case "P-521":
		return jwt.SigningMethodES512, nil
	default:
		return nil, fmt.Errorf("%w: unsupported curve %s", domain.ErrKeyMaterialInvalid, pub.Curve.Params().Name)
	}
}
