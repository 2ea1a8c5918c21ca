package store

import (
	"context"
	"encoding/json"
	"fmt"

	"botdeck/internal/models"
)

func logsCacheKey(accountID string) string {
	return fmt.Sprintf("replay:logs:%s", accountID)
}

func messagesCacheKey(accountID string) string {
	return fmt.Sprintf("replay:messages:%s", accountID)
}

// RecentLogs returns up to limit rows, newest first. Consumers re-sort to
// chronological order before display. Results for the default limit are
// cached in redis until the next append.
func (s *Store) RecentLogs(ctx context.Context, accountID string, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > ReplayLimit {
		limit = ReplayLimit
	}

	cacheable := limit == ReplayLimit
	if cacheable {
		if cached, err := s.cache.Get(ctx, logsCacheKey(accountID)); err == nil && cached != "" {
			var entries []models.LogEntry
			if err := json.Unmarshal([]byte(cached), &entries); err == nil {
				return entries, nil
			}
		}
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT account_id, severity, message, created_at
		 FROM logs
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.LogEntry, 0, limit)
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.AccountID, &e.Severity, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if cacheable {
		s.cacheReplay(ctx, logsCacheKey(accountID), entries)
	}
	return entries, nil
}

// RecentMessages mirrors RecentLogs for chat history.
func (s *Store) RecentMessages(ctx context.Context, accountID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > ReplayLimit {
		limit = ReplayLimit
	}

	cacheable := limit == ReplayLimit
	if cacheable {
		if cached, err := s.cache.Get(ctx, messagesCacheKey(accountID)); err == nil && cached != "" {
			var msgs []models.ChatMessage
			if err := json.Unmarshal([]byte(cached), &msgs); err == nil {
				return msgs, nil
			}
		}
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT account_id, username, message, json_message, created_at
		 FROM messages
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]models.ChatMessage, 0, limit)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.AccountID, &m.Username, &m.Message, &m.JSONMessage, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if cacheable {
		s.cacheReplay(ctx, messagesCacheKey(accountID), msgs)
	}
	return msgs, nil
}

func (s *Store) cacheReplay(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, replayCacheTTL); err != nil {
		s.log.Debug("replay_cache_set_failed", "key", key, "error", err)
	}
}

func (s *Store) invalidateReplay(ctx context.Context, key string) {
	if err := s.cache.Del(ctx, key); err != nil {
		s.log.Debug("replay_cache_del_failed", "key", key, "error", err)
	}
}

// Chronological returns a reversed copy of a newest-first slice, restoring
// insertion order for display and replay.
func Chronological[T any](newestFirst []T) []T {
	out := make([]T, len(newestFirst))
	for i, v := range newestFirst {
		out[len(newestFirst)-1-i] = v
	}
	return out
}
