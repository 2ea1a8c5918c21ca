// Package gameclient is the import point for the remote-server protocol.
// Instances program against the Client interface and the Handler callback
// set; the wire protocol itself lives behind a Dialer so it can be swapped
// without touching instance code.
package gameclient

import (
	"context"
	"encoding/json"

	"botdeck/internal/models"
)

// Options carries everything needed to open one session. Password is
// already decrypted; empty for offline auth.
type Options struct {
	AccountID string
	Hostname  string
	Port      int
	Version   string
	Username  string
	Password  string
	Auth      models.AuthType
}

// Handler receives session callbacks. Each callback fires from the client's
// read loop; handlers must not block. A nil func is skipped.
type Handler struct {
	// OnReady fires once the server acknowledges the login. The uuid is the
	// server-assigned player identity.
	OnReady func(username, uuid string)
	// OnChat fires per inbound chat line; extra is the opaque rich-text tree.
	OnChat func(username, text string, extra json.RawMessage)
	// OnKicked fires when the server force-disconnects the session.
	OnKicked func(reason string)
	// OnEnd fires exactly once when the session is over, for any cause
	// other than an explicit Close.
	OnEnd func(reason string)
	// OnError fires on transport errors that did not (yet) end the session.
	OnError func(err error)
}

// Client is one live protocol handle.
type Client interface {
	// SendChat forwards one outbound chat line.
	SendChat(text string) error
	// Close releases the handle. When graceful, a polite quit is sent to
	// the server first. Close is idempotent and suppresses further
	// callbacks.
	Close(graceful bool) error
}

// Dialer opens a session and registers its callbacks. The returned Client
// is live: the handshake has completed and the read loop is running.
type Dialer func(ctx context.Context, opts Options, h Handler) (Client, error)
