package models

import "encoding/json"

// AuthType selects how the protocol client authenticates against the
// remote server.
type AuthType string

const (
	AuthMojang    AuthType = "mojang"
	AuthMicrosoft AuthType = "microsoft"
	AuthOffline   AuthType = "offline"
)

func (a AuthType) Valid() bool {
	switch a {
	case AuthMojang, AuthMicrosoft, AuthOffline:
		return true
	}
	return false
}

// Account is one stored credential/profile set identifying a remote server
// and login. ID is immutable after creation. UUID starts nil and is learned
// from the first successful session, never overwritten afterwards.
type Account struct {
	ID          string   `json:"id"`
	UUID        *string  `json:"uuid,omitempty"`
	DisplayName string   `json:"displayName"`
	Username    string   `json:"username"`
	Password    *string  `json:"password,omitempty"`
	AuthType    AuthType `json:"type"`
	Hostname    string   `json:"hostname"`
	Port        int      `json:"port"`
	Version     string   `json:"version"`
}

// Redacted returns a copy safe to push over the event boundary.
func (a Account) Redacted() Account {
	a.Password = nil
	return a
}

type StatusKind string

const (
	StatusOnline  StatusKind = "ONLINE"
	StatusOffline StatusKind = "OFFLINE"
)

// ConnectionStatus is the current (in-memory) status of one account's
// instance. StartedAt is epoch milliseconds, 0 while offline.
type ConnectionStatus struct {
	AccountID string     `json:"id"`
	Status    StatusKind `json:"status"`
	StartedAt int64      `json:"startedAt"`
}

type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// LogEntry is one append-only diagnostic line for an account. CreatedAt is
// epoch milliseconds.
type LogEntry struct {
	AccountID string   `json:"id"`
	Severity  Severity `json:"type"`
	Message   string   `json:"message"`
	CreatedAt int64    `json:"createdAt"`
}

// ChatMessage is one inbound chat line. JSONMessage carries the opaque
// rich-text tree exactly as the protocol client delivered it.
type ChatMessage struct {
	AccountID   string          `json:"id"`
	Username    string          `json:"username"`
	Message     string          `json:"message"`
	JSONMessage json.RawMessage `json:"jsonMessage,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
}
