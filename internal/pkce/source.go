package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const MethodS256 = "S256"

// PKCE holds a verifier and the challenge derived from it (RFC 7636).
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

type Source struct{}

func (p Source) randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)

	return b
}

func (p Source) encoded(n int) string {
	return base64.RawURLEncoding.EncodeToString(p.randBytes(n))
}

func (p Source) PKCE() PKCE {
	const n = 32

	verifier := p.encoded(n)

	return PKCE{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		Method:    MethodS256,
	}
}

// State returns an unguessable anti-forgery value for the authorization request.
func (p Source) State() string {
	return p.encoded(32)
}

// Challenge is the S256 transform of a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
