package models

import "time"

// Session is a local dashboard session. BackendToken holds the encrypted
// backend bearer and is never sent to the browser.
type Session struct {
	ID            string
	TokenHash     string
	BackendToken  string
	Username      string
	Email         string
	Role          string
	IPHint        string
	UserAgentHash string
	ExpiresAt     time.Time
	IdleExpiresAt time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	RevokedAt     *time.Time
}

func (s Session) IsAdmin() bool { return s.Role == "admin" }

// Audit actions recorded locally.
const (
	AuditLogin         = "auth.login"
	AuditLogout        = "auth.logout"
	AuditForcedLogout  = "auth.forced_logout"
	AuditProfileUpdate = "user.update"
	AuditAvatarUpload  = "user.update_image"
	AuditAccountDelete = "user.delete"
	AuditIngestTrigger = "admin.ingest"
)

type AuditEntry struct {
	ID           string    `json:"id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}

type AuditQuery struct {
	Action string
	Actor  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
