package domain

// ProviderName identifies one configured identity provider.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "google"
	ProviderGitHub    ProviderName = "github"
	ProviderMicrosoft ProviderName = "microsoft"
	ProviderFacebook  ProviderName = "facebook"
)

// KnownProviders lists every provider variant this build can serve.
var KnownProviders = []ProviderName{ProviderGoogle, ProviderGitHub, ProviderMicrosoft, ProviderFacebook}

// Valid reports whether p names a supported provider variant.
func (p ProviderName) Valid() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

func (p ProviderName) String() string { return string(p) }

// AuthPurpose tells the callback whether it should sign in or attach an identity.
type AuthPurpose string

const (
	PurposeLogin AuthPurpose = "login"
	PurposeLink  AuthPurpose = "link"
)

// Valid reports whether the purpose is one of the known values.
func (p AuthPurpose) Valid() bool {
	return p == PurposeLogin || p == PurposeLink
}
