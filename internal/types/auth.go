package types

import "time"

// AuthTokenSet is the current session's tokens
type AuthTokenSet struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	IssuedAt     int64  `json:"issuedAt"`  // ms since epoch
}

// ExpiresAt returns the absolute expiry time
func (t AuthTokenSet) ExpiresAt() time.Time {
	return time.UnixMilli(t.IssuedAt + t.ExpiresIn*1000)
}

// User is the identity decoded from token claims
type User struct {
	ID         string `json:"id"`
	Email      string `json:"email,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}
