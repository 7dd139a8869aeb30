package oidc

import "errors"

var (
	// ErrDiscovery means the provider metadata or keys could not be obtained.
	ErrDiscovery = errors.New("oidc discovery failed")
	// ErrExchange means the token endpoint refused the authorization code.
	ErrExchange = errors.New("authorization code exchange failed")
	// ErrIDToken means the ID token is missing or did not verify.
	ErrIDToken = errors.New("invalid id token")
)
