package core_test

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"connectd/core"
)

func TestNewPKCE(t *testing.T) {
	p := core.NewPKCE()

	assert.GreaterOrEqual(t, len(p.Verifier), 43)
	assert.LessOrEqual(t, len(p.Verifier), 128)

	sum := sha256.Sum256([]byte(p.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), p.Challenge)
	assert.NotContains(t, p.Challenge, "=")

	assert.NotEqual(t, p.Verifier, core.NewPKCE().Verifier)
}

func TestS256Challenge_KnownVector(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", core.S256Challenge(verifier))
}
