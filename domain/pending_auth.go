package domain

import "time"

// PendingAuthRequest holds one in-flight authorization attempt between the
// start redirect and the provider callback. It is consumed exactly once.
// Stores key it by the state hash and never persist the raw state.
type PendingAuthRequest struct {
	StateToken    string       `json:"-"`
	PKCEVerifier  string       `json:"pkce_verifier"`
	Provider      ProviderName `json:"provider"`
	Purpose       AuthPurpose  `json:"purpose"`
	LinkingUserID string       `json:"linking_user_id,omitempty"` // set only when Purpose is PurposeLink
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Consumed      bool         `json:"consumed"`
}

// Lifetime is how long the request is valid from its creation.
func (r *PendingAuthRequest) Lifetime() time.Duration {
	return r.ExpiresAt.Sub(r.CreatedAt)
}

// Expired reports whether the request is past its TTL at now.
func (r *PendingAuthRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
