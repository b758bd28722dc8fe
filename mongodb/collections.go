package mongodb

const (
	IdentityLinksCollection = "identity_links"
	AuditEventsCollection   = "audit_events" // append-only
	UsersCollection         = "users"
)
