package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"botdeck/internal/cache"
	"botdeck/internal/db"
	"botdeck/internal/models"
)

// ReplayLimit bounds how much history a subscriber gets on (re)attach.
const ReplayLimit = 50

const (
	writeQueueSize = 4096
	writeTimeout   = 10 * time.Second
	replayCacheTTL = 2 * time.Minute
)

// Store owns the durable relations: accounts, logs, messages. History
// appends go through a buffered queue drained by writer goroutines so the
// event-emission path never blocks on Postgres; a failed append is logged
// and dropped, never propagated.
type Store struct {
	log    *slog.Logger
	db     *db.DB
	cache  *cache.Client
	writes chan writeOp
	stop   chan struct{}
}

type writeOp struct {
	logEntry *models.LogEntry
	message  *models.ChatMessage
}

func New(log *slog.Logger, dbConn *db.DB, cacheClient *cache.Client) *Store {
	return &Store{
		log:    log,
		db:     dbConn,
		cache:  cacheClient,
		writes: make(chan writeOp, writeQueueSize),
		stop:   make(chan struct{}),
	}
}

// InitSchema idempotently ensures the relations exist. Safe on every
// startup. Historical rows are keyed by account id with no foreign key:
// deleting an account intentionally leaves its history behind.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			uuid TEXT,
			display_name TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT,
			auth_type TEXT NOT NULL,
			hostname TEXT NOT NULL,
			port INTEGER NOT NULL,
			protocol_version TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			account_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS logs_account_created_idx
			ON logs (account_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			account_id TEXT NOT NULL,
			username TEXT NOT NULL,
			message TEXT NOT NULL,
			json_message JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_account_created_idx
			ON messages (account_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, uuid, display_name, username, password, auth_type, hostname, port, protocol_version
		 FROM accounts
		 ORDER BY display_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]models.Account, 0)
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.UUID, &a.DisplayName, &a.Username, &a.Password,
			&a.AuthType, &a.Hostname, &a.Port, &a.Version); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) InsertAccount(ctx context.Context, a models.Account) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO accounts (id, uuid, display_name, username, password, auth_type, hostname, port, protocol_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UUID, a.DisplayName, a.Username, a.Password, a.AuthType, a.Hostname, a.Port, a.Version)
	return err
}

// UpdateAccount replaces every column except id. The uuid column is written
// as-is: callers must carry the previously learned uuid forward.
func (s *Store) UpdateAccount(ctx context.Context, a models.Account) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET uuid = $2, display_name = $3, username = $4, password = $5,
		     auth_type = $6, hostname = $7, port = $8, protocol_version = $9
		 WHERE id = $1`,
		a.ID, a.UUID, a.DisplayName, a.Username, a.Password, a.AuthType, a.Hostname, a.Port, a.Version)
	return err
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}

// SetAccountUUID records the uuid learned from the first successful
// session. A uuid already present is never overwritten.
func (s *Store) SetAccountUUID(ctx context.Context, id, uuid string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts SET uuid = $2
		 WHERE id = $1 AND (uuid IS NULL OR uuid = '')`,
		id, uuid)
	return err
}

// AppendLog queues a log row for the writer pool. Non-blocking: a full
// queue drops the row with a warning.
func (s *Store) AppendLog(e models.LogEntry) {
	s.enqueue(writeOp{logEntry: &e})
}

// AppendMessage queues a chat message row for the writer pool.
func (s *Store) AppendMessage(m models.ChatMessage) {
	s.enqueue(writeOp{message: &m})
}

func (s *Store) enqueue(op writeOp) {
	select {
	case s.writes <- op:
	default:
		s.log.Warn("store_write_queue_full", "dropped", true)
	}
}

// StartWriters launches the background writer pool.
func (s *Store) StartWriters(count int) {
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		go s.runWriter(i + 1)
	}
	s.log.Info("store_writers_started", "count", count)
}

func (s *Store) runWriter(id int) {
	for {
		select {
		case op := <-s.writes:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			s.applyWrite(ctx, op)
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) applyWrite(ctx context.Context, op writeOp) {
	switch {
	case op.logEntry != nil:
		e := op.logEntry
		_, err := s.db.Pool.Exec(ctx,
			`INSERT INTO logs (account_id, severity, message, created_at)
			 VALUES ($1, $2, $3, $4)`,
			e.AccountID, e.Severity, e.Message, e.CreatedAt)
		if err != nil {
			s.log.Warn("log_write_failed", "account_id", e.AccountID, "error", err)
			return
		}
		s.invalidateReplay(ctx, logsCacheKey(e.AccountID))
	case op.message != nil:
		m := op.message
		_, err := s.db.Pool.Exec(ctx,
			`INSERT INTO messages (account_id, username, message, json_message, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			m.AccountID, m.Username, m.Message, m.JSONMessage, m.CreatedAt)
		if err != nil {
			s.log.Warn("message_write_failed", "account_id", m.AccountID, "error", err)
			return
		}
		s.invalidateReplay(ctx, messagesCacheKey(m.AccountID))
	}
}

// StopWriters signals the pool to exit. Rows still queued are dropped;
// durability is best-effort by contract.
func (s *Store) StopWriters() {
	close(s.stop)
	s.log.Info("store_writers_stopped", "pending", len(s.writes))
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}
