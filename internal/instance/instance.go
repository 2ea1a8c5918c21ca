// Package instance holds the per-account connection state machine and the
// registry that routes boundary commands to it.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botdeck/internal/events"
	"botdeck/internal/gameclient"
	"botdeck/internal/models"
	"botdeck/internal/security"
	"botdeck/internal/store"
	"botdeck/internal/viewer"
)

const connectTimeout = 30 * time.Second

// Instance manages one account's connection lifecycle. All mutable state
// (status, client handle, account copy) is guarded by mu; protocol-client
// callbacks serialize through it, which is what gives subscribers
// per-account event ordering.
//
// Every Start bumps gen and callbacks carry the gen they were registered
// under: a callback from a stale session is dropped, so a disconnect
// arriving after an explicit Stop cannot re-emit a status transition.
type Instance struct {
	log           *slog.Logger
	store         Storage
	pub           *events.Publisher
	dial          gameclient.Dialer
	viewers       *viewer.Manager
	encryptionKey []byte

	// invoked after the learned uuid is persisted; set by the registry
	onAccountsChanged func()

	mu      sync.Mutex
	account models.Account
	client  gameclient.Client
	status  models.ConnectionStatus
	gen     uint64
}

func New(log *slog.Logger, st Storage, pub *events.Publisher, dial gameclient.Dialer,
	viewers *viewer.Manager, encryptionKey []byte, account models.Account) *Instance {
	return &Instance{
		log:           log,
		store:         st,
		pub:           pub,
		dial:          dial,
		viewers:       viewers,
		encryptionKey: encryptionKey,
		account:       account,
		status: models.ConnectionStatus{
			AccountID: account.ID,
			Status:    models.StatusOffline,
		},
	}
}

// Start opens a protocol handle for the account. A running session is
// stopped first: stop-then-start is the only restart path, there are never
// two live handles. The ONLINE status is emitted optimistically before the
// handshake completes.
func (in *Instance) Start() {
	in.mu.Lock()
	if in.client != nil {
		in.stopLocked(true)
	}
	in.gen++
	gen := in.gen
	account := in.account
	in.setStatusLocked(models.StatusOnline, time.Now().UnixMilli())
	in.mu.Unlock()

	password, err := in.plainPassword(account)
	if err != nil {
		in.emitLog(models.SeverityError, fmt.Sprintf("Error: %v", err))
		in.abortConnect(gen)
		return
	}

	opts := gameclient.Options{
		AccountID: account.ID,
		Hostname:  account.Hostname,
		Port:      account.Port,
		Version:   account.Version,
		Username:  account.Username,
		Password:  password,
		Auth:      account.AuthType,
	}

	go in.connect(gen, opts)
}

func (in *Instance) connect(gen uint64, opts gameclient.Options) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := in.dial(ctx, opts, in.handler(gen))
	if err != nil {
		in.emitLog(models.SeverityError, fmt.Sprintf("Error: %v", err))
		in.abortConnect(gen)
		return
	}

	in.mu.Lock()
	if gen != in.gen {
		// stopped mid-connect; never keep the stale handle
		in.mu.Unlock()
		_ = client.Close(false)
		return
	}
	in.client = client
	in.mu.Unlock()
}

// abortConnect rolls a failed connect back to OFFLINE unless a newer
// session has taken over.
func (in *Instance) abortConnect(gen uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if gen != in.gen {
		return
	}
	in.setStatusLocked(models.StatusOffline, 0)
}

func (in *Instance) handler(gen uint64) gameclient.Handler {
	return gameclient.Handler{
		OnReady: func(username, uuid string) {
			in.mu.Lock()
			defer in.mu.Unlock()
			if gen != in.gen {
				return
			}
			in.emitLogLocked(models.SeverityInfo, fmt.Sprintf("Connected! (Username: %s)", username))
			if in.account.UUID == nil && uuid != "" {
				u := uuid
				in.account.UUID = &u
				go in.persistUUID(in.account.ID, u)
			}
		},
		OnChat: func(username, text string, extra json.RawMessage) {
			in.mu.Lock()
			defer in.mu.Unlock()
			if gen != in.gen {
				return
			}
			msg := models.ChatMessage{
				AccountID:   in.account.ID,
				Username:    username,
				Message:     text,
				JSONMessage: extra,
				CreatedAt:   time.Now().UnixMilli(),
			}
			in.store.AppendMessage(msg)
			in.pub.Broadcast(events.TopicMessage, msg)
		},
		OnKicked: func(reason string) {
			in.mu.Lock()
			defer in.mu.Unlock()
			if gen != in.gen {
				return
			}
			in.emitLogLocked(models.SeverityWarn, fmt.Sprintf("Kicked.. (Reason: %s)", reason))
		},
		OnError: func(err error) {
			in.mu.Lock()
			defer in.mu.Unlock()
			if gen != in.gen {
				return
			}
			in.emitLogLocked(models.SeverityError, fmt.Sprintf("Error: %v", err))
		},
		OnEnd: func(reason string) {
			in.mu.Lock()
			defer in.mu.Unlock()
			if gen != in.gen {
				return
			}
			in.emitLogLocked(models.SeverityInfo, fmt.Sprintf("Stopped. (Reason: %s)", reason))
			in.client = nil
			in.gen++
			in.setStatusLocked(models.StatusOffline, 0)
		},
	}
}

// Stop tears the session down. Safe to call at any time, including
// mid-connect; stopping an already stopped instance is a no-op.
func (in *Instance) Stop(graceful bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopLocked(graceful)
}

func (in *Instance) stopLocked(graceful bool) {
	in.gen++
	if in.client != nil {
		_ = in.client.Close(graceful)
		in.client = nil
	}
	in.setStatusLocked(models.StatusOffline, 0)
}

// SendMessage forwards one chat line. A message while OFFLINE is dropped,
// never queued.
func (in *Instance) SendMessage(text string) {
	in.mu.Lock()
	client := in.client
	online := in.status.Status == models.StatusOnline
	id := in.account.ID
	in.mu.Unlock()

	if !online || client == nil {
		in.log.Debug("send_skipped_offline", "account_id", id)
		return
	}

	if err := client.SendChat(text); err != nil {
		in.emitLog(models.SeverityWarn, fmt.Sprintf("Send failed: %v", err))
	}
}

// OpenViewer starts the viewer sub-process for this account. Best-effort:
// a failure is reported through the log topic and changes nothing else.
func (in *Instance) OpenViewer() {
	in.mu.Lock()
	account := in.account
	online := in.status.Status == models.StatusOnline
	in.mu.Unlock()

	if !online {
		in.emitLog(models.SeverityWarn, "Viewer unavailable while offline")
		return
	}

	port, err := in.viewers.Open(account.ID, account.Hostname)
	if err != nil {
		in.emitLog(models.SeverityWarn, fmt.Sprintf("Viewer failed: %v", err))
		return
	}
	in.emitLog(models.SeverityInfo, fmt.Sprintf("Viewer listening on port %d", port))
}

// Replay pushes the bounded persisted history plus current status to one
// freshly attached subscriber, chronological order.
func (in *Instance) Replay(ctx context.Context, sub *events.Subscriber) {
	in.mu.Lock()
	id := in.account.ID
	status := in.status
	in.mu.Unlock()

	if msgs, err := in.store.RecentMessages(ctx, id, store.ReplayLimit); err != nil {
		in.log.Warn("message_replay_failed", "account_id", id, "error", err)
	} else if err := in.pub.SendTo(sub, events.TopicMessages, store.Chronological(msgs)); err != nil {
		in.log.Debug("replay_send_failed", "account_id", id, "error", err)
	}

	if logs, err := in.store.RecentLogs(ctx, id, store.ReplayLimit); err != nil {
		in.log.Warn("log_replay_failed", "account_id", id, "error", err)
	} else if err := in.pub.SendTo(sub, events.TopicLogs, store.Chronological(logs)); err != nil {
		in.log.Debug("replay_send_failed", "account_id", id, "error", err)
	}

	if err := in.pub.SendTo(sub, events.TopicStatus, status); err != nil {
		in.log.Debug("replay_send_failed", "account_id", id, "error", err)
	}
}

// Status returns the current in-memory connection status.
func (in *Instance) Status() models.ConnectionStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Account returns a copy of the account as the instance sees it, learned
// uuid included.
func (in *Instance) Account() models.Account {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.account
}

// UpdateAccount replaces the profile. A uuid learned earlier survives the
// update; it is set once and never reset. Returns the merged account for
// persistence.
func (in *Instance) UpdateAccount(a models.Account) models.Account {
	in.mu.Lock()
	defer in.mu.Unlock()
	a.ID = in.account.ID
	if in.account.UUID != nil {
		a.UUID = in.account.UUID
	}
	in.account = a
	return a
}

// setStatusLocked overwrites the per-account status and emits a STATUS
// event. Re-asserting the current state emits nothing.
func (in *Instance) setStatusLocked(kind models.StatusKind, startedAt int64) {
	if in.status.Status == kind {
		return
	}
	in.status = models.ConnectionStatus{
		AccountID: in.account.ID,
		Status:    kind,
		StartedAt: startedAt,
	}
	in.pub.Broadcast(events.TopicStatus, in.status)
}

func (in *Instance) emitLog(severity models.Severity, message string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.emitLogLocked(severity, message)
}

// emitLogLocked appends the entry (fire-and-forget) and then publishes it,
// in that order, under the instance lock.
func (in *Instance) emitLogLocked(severity models.Severity, message string) {
	entry := models.LogEntry{
		AccountID: in.account.ID,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UnixMilli(),
	}
	in.store.AppendLog(entry)
	in.pub.Broadcast(events.TopicLog, entry)

	in.log.Debug("instance_log",
		"account_id", entry.AccountID,
		"severity", string(severity),
		"message", message,
	)
}

func (in *Instance) persistUUID(id, uuid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := in.store.SetAccountUUID(ctx, id, uuid); err != nil {
		in.log.Warn("uuid_persist_failed", "account_id", id, "error", err)
		return
	}
	if in.onAccountsChanged != nil {
		in.onAccountsChanged()
	}
}

func (in *Instance) plainPassword(a models.Account) (string, error) {
	if a.Password == nil || *a.Password == "" {
		return "", nil
	}
	if len(in.encryptionKey) != 32 {
		return *a.Password, nil
	}
	plain, err := security.DecryptSecret(*a.Password, in.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("password decrypt failed: %w", err)
	}
	return plain, nil
}
