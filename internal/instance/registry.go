package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"botdeck/internal/events"
	"botdeck/internal/gameclient"
	"botdeck/internal/models"
	"botdeck/internal/security"
	"botdeck/internal/viewer"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

// Registry owns the account-id to instance mapping: exactly one instance
// per known account id, mutated only here.
type Registry struct {
	log           *slog.Logger
	store         Storage
	pub           *events.Publisher
	dial          gameclient.Dialer
	viewers       *viewer.Manager
	encryptionKey []byte

	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewRegistry(log *slog.Logger, st Storage, pub *events.Publisher,
	dial gameclient.Dialer, viewers *viewer.Manager, encryptionKey []byte) *Registry {
	return &Registry{
		log:           log,
		store:         st,
		pub:           pub,
		dial:          dial,
		viewers:       viewers,
		encryptionKey: encryptionKey,
		instances:     make(map[string]*Instance),
	}
}

// Bootstrap seeds one instance per stored account. Every instance starts
// OFFLINE; nothing auto-connects.
func (r *Registry) Bootstrap(ctx context.Context) error {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	r.mu.Lock()
	for _, a := range accounts {
		if _, ok := r.instances[a.ID]; ok {
			continue
		}
		r.instances[a.ID] = r.newInstance(a)
	}
	count := len(r.instances)
	r.mu.Unlock()

	r.log.Info("accounts_loaded", "count", count)
	return nil
}

func (r *Registry) newInstance(a models.Account) *Instance {
	inst := New(r.log, r.store, r.pub, r.dial, r.viewers, r.encryptionKey, a)
	inst.onAccountsChanged = r.broadcastAccounts
	return inst
}

// Dispatch routes a boundary command to the matching instance. An unknown
// account id drops the command silently; a command while in the wrong
// state is the instance's no-op to make.
func (r *Registry) Dispatch(cmd models.Command) {
	r.mu.RLock()
	inst := r.instances[cmd.AccountID]
	r.mu.RUnlock()

	if inst == nil {
		r.log.Debug("command_dropped_unknown_account", "account_id", cmd.AccountID, "type", string(cmd.Type))
		return
	}

	switch cmd.Type {
	case models.CommandStart:
		inst.Start()
	case models.CommandStop:
		inst.Stop(true)
	case models.CommandSendMessage:
		inst.SendMessage(cmd.SendMessage.Message)
	case models.CommandOpenViewer:
		inst.OpenViewer()
	}
}

// CreateAccount persists a new account and registers its instance.
// Passwords are encrypted at rest when a key is configured.
func (r *Registry) CreateAccount(ctx context.Context, a models.Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if !a.AuthType.Valid() {
		return fmt.Errorf("invalid auth type %q", a.AuthType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrAccountExists)
	}

	stored, err := r.sealPassword(a)
	if err != nil {
		return err
	}
	if err := r.store.InsertAccount(ctx, stored); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	r.instances[a.ID] = r.newInstance(stored)
	r.broadcastAccountsLocked()

	r.log.Info("account_created", "account_id", a.ID, "display_name", a.DisplayName)
	return nil
}

// UpdateAccount replaces every profile column. The learned uuid survives;
// the live session, if any, keeps running with its old credentials until
// restarted.
func (r *Registry) UpdateAccount(ctx context.Context, a models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[a.ID]
	if !ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrAccountNotFound)
	}

	stored, err := r.sealPassword(a)
	if err != nil {
		return err
	}

	merged := inst.UpdateAccount(stored)
	if err := r.store.UpdateAccount(ctx, merged); err != nil {
		return fmt.Errorf("update account: %w", err)
	}

	r.broadcastAccountsLocked()
	r.log.Info("account_updated", "account_id", a.ID)
	return nil
}

// DeleteAccount stops the instance, closes its viewer, removes the stored
// row, and unregisters the instance last. History rows stay behind by
// design.
func (r *Registry) DeleteAccount(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil
	}

	inst.Stop(false)
	r.viewers.Close(id)

	if err := r.store.DeleteAccount(ctx, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	delete(r.instances, id)
	r.broadcastAccountsLocked()

	r.log.Info("account_deleted", "account_id", id)
	return nil
}

// Accounts returns a redacted snapshot, stable order.
func (r *Registry) Accounts() []models.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accountsLocked()
}

func (r *Registry) accountsLocked() []models.Account {
	accounts := make([]models.Account, 0, len(r.instances))
	for _, inst := range r.instances {
		accounts = append(accounts, inst.Account().Redacted())
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].DisplayName != accounts[j].DisplayName {
			return accounts[i].DisplayName < accounts[j].DisplayName
		}
		return accounts[i].ID < accounts[j].ID
	})
	return accounts
}

// Replay resynchronizes one freshly attached subscriber: accounts snapshot
// first, then per-account history and status.
func (r *Registry) Replay(ctx context.Context, sub *events.Subscriber) {
	r.mu.RLock()
	accounts := r.accountsLocked()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.RUnlock()

	if err := r.pub.SendTo(sub, events.TopicAccounts, accounts); err != nil {
		r.log.Debug("replay_send_failed", "topic", "accounts", "error", err)
		return
	}
	for _, inst := range instances {
		inst.Replay(ctx, sub)
	}
}

// OnlineCount reports how many instances are currently ONLINE.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.instances {
		if inst.Status().Status == models.StatusOnline {
			n++
		}
	}
	return n
}

// StopAll stops every instance, used at shutdown.
func (r *Registry) StopAll(graceful bool) {
	r.mu.RLock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.RUnlock()

	for _, inst := range instances {
		inst.Stop(graceful)
	}
}

func (r *Registry) broadcastAccounts() {
	r.pub.Broadcast(events.TopicAccounts, r.Accounts())
}

func (r *Registry) broadcastAccountsLocked() {
	r.pub.Broadcast(events.TopicAccounts, r.accountsLocked())
}

func (r *Registry) sealPassword(a models.Account) (models.Account, error) {
	if a.Password == nil || *a.Password == "" || len(r.encryptionKey) != 32 {
		return a, nil
	}
	sealed, err := security.EncryptSecret(*a.Password, r.encryptionKey)
	if err != nil {
		return models.Account{}, fmt.Errorf("password encrypt failed: %w", err)
	}
	a.Password = &sealed
	return a, nil
}
