package core

import "golang.org/x/oauth2"

// PKCE is a Proof Key for Code Exchange pair using the S256 method.
type PKCE struct {
	Verifier  string
	Challenge string
}

const PKCEMethodS256 = "S256"

func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
	}
}

// S256Challenge is base64url(SHA-256(verifier)) without padding.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
