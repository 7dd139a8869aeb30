package identity

// User is a local account linked to exactly one external identity.
type User struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Avatar     string `json:"avatar"`
}

// Profile is the validated identity asserted by the identity provider.
type Profile struct {
	ExternalID string
	Email      string
	Name       string
	Avatar     string
}
