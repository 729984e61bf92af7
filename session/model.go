package session

import "time"

// Session is the server-side record of one authenticated client instance. Its
// identifier is the hash of the refresh token it was issued with, which binds
// the session's lifetime to that token's.
type Session struct {
	SessionID    string    `json:"-"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

// Metadata carries optional client attribution recorded on a session.
type Metadata struct {
	IPAddress string
	UserAgent string
}
