package instance

import (
	"context"

	"botdeck/internal/models"
)

// Storage is the slice of the persistence layer instances and the registry
// touch. *store.Store satisfies it; tests supply in-memory fakes.
type Storage interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	InsertAccount(ctx context.Context, a models.Account) error
	UpdateAccount(ctx context.Context, a models.Account) error
	DeleteAccount(ctx context.Context, id string) error
	SetAccountUUID(ctx context.Context, id, uuid string) error
	AppendLog(e models.LogEntry)
	AppendMessage(m models.ChatMessage)
	RecentLogs(ctx context.Context, accountID string, limit int) ([]models.LogEntry, error)
	RecentMessages(ctx context.Context, accountID string, limit int) ([]models.ChatMessage, error)
}
