package domain

import "time"

// TokenRecord is the encrypted credential material for one IdentityLink.
// It never carries plaintext; it is replaced wholesale on every exchange or refresh.
type TokenRecord struct {
	EncryptedAccessToken  string    `bson:"encrypted_access_token"            json:"-"`
	EncryptedRefreshToken string    `bson:"encrypted_refresh_token,omitempty" json:"-"`
	ExpiresAt             time.Time `bson:"expires_at,omitempty"              json:"expires_at,omitempty"` // zero when the provider issued a non-expiring token
	Scope                 string    `bson:"scope,omitempty"                   json:"scope,omitempty"`
	TokenType             string    `bson:"token_type,omitempty"              json:"token_type,omitempty"`
	CipherKeyVersion      string    `bson:"cipher_key_version"                json:"-"`
}

// RefreshState is the scheduler bookkeeping kept next to the token record.
// Degraded is derived from repeated refresh failures; it never deletes the link.
type RefreshState struct {
	RetryCount    int        `bson:"retry_count"               json:"retry_count"`
	NextAttemptAt time.Time  `bson:"next_attempt_at,omitempty" json:"next_attempt_at,omitempty"`
	LeaseUntil    time.Time  `bson:"lease_until,omitempty"     json:"-"`
	Degraded      bool       `bson:"degraded"                  json:"degraded"`
	DegradedAt    *time.Time `bson:"degraded_at,omitempty"     json:"degraded_at,omitempty"`
	LastError     string     `bson:"last_error,omitempty"      json:"last_error,omitempty"`
}

// RefreshClaim asks for the refresh lease on a link read as a refresh
// candidate. EncryptedAccessToken is the ciphertext seen in that read; any
// login, refresh or relink since then changes it and the claim fails.
type RefreshClaim struct {
	LinkID               string
	EncryptedAccessToken string
	ExpiringBefore       time.Time
	Now                  time.Time
	LeaseUntil           time.Time
}

// IdentityLink binds one provider identity to one local user.
// (Provider, ExternalAccountID) is globally unique and a user holds at most one
// link per provider.
type IdentityLink struct {
	ID                string       `bson:"_id"                    json:"id"`
	UserID            string       `bson:"user_id"                json:"user_id"`
	Provider          ProviderName `bson:"provider"               json:"provider"`
	ExternalAccountID string       `bson:"external_account_id"    json:"external_account_id"`
	Email             string       `bson:"email,omitempty"        json:"email,omitempty"`
	DisplayName       string       `bson:"display_name,omitempty" json:"display_name,omitempty"`
	CreatedAt         time.Time    `bson:"created_at"             json:"created_at"`
	LastUsedAt        time.Time    `bson:"last_used_at"           json:"last_used_at"`
	Token             TokenRecord  `bson:"token"                  json:"token"`
	Refresh           RefreshState `bson:"refresh"                json:"refresh"`
}

// HasRefreshToken reports whether the link can be refreshed without the user.
func (l *IdentityLink) HasRefreshToken() bool {
	return l.Token.EncryptedRefreshToken != ""
}

// TokenSet is the plaintext token material returned by a provider.
// It only lives in memory between the provider call and the cipher.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
	IssuedAt     time.Time
}

// ExpiresAt returns the absolute expiry, or the zero time for non-expiring tokens.
func (t *TokenSet) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.IssuedAt.Add(t.ExpiresIn)
}

// ExternalIdentity is the provider profile reduced to what linking needs.
type ExternalIdentity struct {
	ExternalAccountID string // stable provider-assigned id, never the email
	Email             string
	DisplayName       string
}
