package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

func init() {
	RegisterBackend("sqlite", func(dsn string) (Backend, error) {
		return NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite://"))
	})
}

// SQLiteBackend is the default storage engine.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			platform_message_id TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL DEFAULT '',
			received_at_ms INTEGER NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0,
			is_done INTEGER NOT NULL DEFAULT 0,
			snoozed_until_ms INTEGER,
			priority_score REAL NOT NULL DEFAULT 0,
			priority_label TEXT NOT NULL DEFAULT 'fyi',
			sentiment TEXT NOT NULL DEFAULT 'neutral',
			context_note TEXT NOT NULL DEFAULT '',
			low_confidence INTEGER NOT NULL DEFAULT 0,
			computed_at_ms INTEGER NOT NULL DEFAULT 0,
			UNIQUE(user_id, platform, platform_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_feed ON messages(user_id, is_done, priority_score, received_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(user_id, thread_id, received_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_snooze ON messages(snoozed_until_ms)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			user_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'stranger',
			is_vip INTEGER NOT NULL DEFAULT 0,
			reply_rate REAL NOT NULL DEFAULT 0,
			last_interaction_ms INTEGER,
			summary TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(user_id, sender_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			cursor TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(user_id, platform)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

const sqliteEntryColumns = `id, user_id, platform, platform_message_id, thread_id, sender_id, sender_name,
	content_text, received_at_ms, is_read, is_done, snoozed_until_ms,
	priority_score, priority_label, sentiment, context_note, low_confidence, computed_at_ms`

func (b *SQLiteBackend) UpsertMessage(ctx context.Context, msg feed.Message, enr feed.Enrichment) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE user_id = ? AND platform = ? AND platform_message_id = ?
	`, msg.UserID, msg.Platform, msg.PlatformMessageID).Scan(&existingID)

	created := false
	switch {
	case err == sql.ErrNoRows:
		created = true
		id := msg.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, user_id, platform, platform_message_id, thread_id, sender_id, sender_name,
				content_text, received_at_ms, is_read, is_done, snoozed_until_ms,
				priority_score, priority_label, sentiment, context_note, low_confidence, computed_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, msg.UserID, msg.Platform, msg.PlatformMessageID, msg.ThreadID, msg.SenderID, msg.SenderName,
			msg.ContentText, msg.ReceivedAt.UnixMilli(), boolToInt(msg.IsRead), boolToInt(msg.IsDone), msToNull(msg.SnoozedUntil),
			enr.PriorityScore, string(enr.PriorityLabel), string(enr.Sentiment), enr.ContextNote, boolToInt(enr.LowConfidence), enr.ComputedAt.UnixMilli())
		if err != nil {
			return false, fmt.Errorf("insert message: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("lookup message: %w", err)
	default:
		// Existing row: merge content fields, replace the enrichment
		// atomically, leave user state (read/done/snooze) alone.
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET
				thread_id = ?, sender_id = ?, sender_name = ?, content_text = ?,
				priority_score = ?, priority_label = ?, sentiment = ?, context_note = ?,
				low_confidence = ?, computed_at_ms = ?
			WHERE id = ?
		`, msg.ThreadID, msg.SenderID, msg.SenderName, msg.ContentText,
			enr.PriorityScore, string(enr.PriorityLabel), string(enr.Sentiment), enr.ContextNote,
			boolToInt(enr.LowConfidence), enr.ComputedAt.UnixMilli(), existingID)
		if err != nil {
			return false, fmt.Errorf("update message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return created, nil
}

func (b *SQLiteBackend) HasMessage(ctx context.Context, id feed.Identity) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages
		WHERE user_id = ? AND platform = ? AND platform_message_id = ?
	`, id.UserID, id.Platform, id.PlatformMessageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has message: %w", err)
	}
	return true, nil
}

func (b *SQLiteBackend) GetMessage(ctx context.Context, userID, messageID string) (feed.Entry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT `+sqliteEntryColumns+` FROM messages WHERE user_id = ? AND id = ?
	`, userID, messageID)
	entry, err := scanSQLiteEntry(row)
	if err == sql.ErrNoRows {
		return feed.Entry{}, ErrNotFound
	}
	if err != nil {
		return feed.Entry{}, fmt.Errorf("get message: %w", err)
	}
	return entry, nil
}

func (b *SQLiteBackend) RankedFeed(ctx context.Context, userID string, q FeedQuery) ([]feed.Entry, bool, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT ` + sqliteEntryColumns + ` FROM messages
		WHERE user_id = ? AND is_done = 0 AND snoozed_until_ms IS NULL`
	args := []any{userID}
	if q.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, q.Platform)
	}
	if q.Label != "" {
		query += ` AND priority_label = ?`
		args = append(args, string(q.Label))
	}
	query += ` ORDER BY priority_score DESC, received_at_ms DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit+1, q.Offset)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("ranked feed: %w", err)
	}
	defer rows.Close()

	entries, err := scanSQLiteEntries(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(entries) > q.Limit
	if hasMore {
		entries = entries[:q.Limit]
	}
	return entries, hasMore, nil
}

func (b *SQLiteBackend) Thread(ctx context.Context, userID, threadID string) ([]feed.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+sqliteEntryColumns+` FROM messages
		WHERE user_id = ? AND thread_id = ?
		ORDER BY received_at_ms ASC
	`, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEntries(rows)
}

func (b *SQLiteBackend) ThreadStats(ctx context.Context, userID, threadID string, recentSince time.Time) (feed.ThreadStats, error) {
	var stats feed.ThreadStats
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN received_at_ms >= ? THEN 1 ELSE 0 END), 0)
		FROM messages WHERE user_id = ? AND thread_id = ?
	`, recentSince.UnixMilli(), userID, threadID).Scan(&stats.Total, &stats.Recent)
	if err != nil {
		return feed.ThreadStats{}, fmt.Errorf("thread stats: %w", err)
	}
	return stats, nil
}

func (b *SQLiteBackend) SetRead(ctx context.Context, userID, messageID string, read bool) error {
	return b.mutate(ctx, `UPDATE messages SET is_read = ? WHERE user_id = ? AND id = ?`, boolToInt(read), userID, messageID)
}

func (b *SQLiteBackend) SetDone(ctx context.Context, userID, messageID string, done bool) error {
	return b.mutate(ctx, `UPDATE messages SET is_done = ? WHERE user_id = ? AND id = ?`, boolToInt(done), userID, messageID)
}

func (b *SQLiteBackend) SetSnooze(ctx context.Context, userID, messageID string, until *time.Time) error {
	return b.mutate(ctx, `UPDATE messages SET snoozed_until_ms = ? WHERE user_id = ? AND id = ?`, msToNull(until), userID, messageID)
}

func (b *SQLiteBackend) UpdateScore(ctx context.Context, userID, messageID string, enr feed.Enrichment) error {
	return b.mutate(ctx, `
		UPDATE messages SET priority_score = ?, priority_label = ?, computed_at_ms = ?
		WHERE user_id = ? AND id = ?
	`, enr.PriorityScore, string(enr.PriorityLabel), enr.ComputedAt.UnixMilli(), userID, messageID)
}

func (b *SQLiteBackend) mutate(ctx context.Context, query string, args ...any) error {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mutate message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mutate rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) DueSnoozes(ctx context.Context, now time.Time, limit int) ([]feed.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+sqliteEntryColumns+` FROM messages
		WHERE snoozed_until_ms IS NOT NULL AND snoozed_until_ms <= ? AND is_done = 0
		ORDER BY snoozed_until_ms ASC LIMIT ?
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due snoozes: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEntries(rows)
}

func (b *SQLiteBackend) DecayCandidates(ctx context.Context, olderThan time.Time, minScore float64, limit int) ([]feed.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+sqliteEntryColumns+` FROM messages
		WHERE is_done = 0 AND is_read = 0 AND received_at_ms < ? AND priority_score > ?
		ORDER BY received_at_ms ASC LIMIT ?
	`, olderThan.UnixMilli(), minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("decay candidates: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEntries(rows)
}

func (b *SQLiteBackend) GetContact(ctx context.Context, userID, senderID string) (feed.SenderContext, bool, error) {
	var (
		sc     feed.SenderContext
		vip    int
		lastMs sql.NullInt64
		tier   string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT user_id, sender_id, name, tier, is_vip, reply_rate, last_interaction_ms, summary
		FROM contacts WHERE user_id = ? AND sender_id = ?
	`, userID, senderID).Scan(&sc.UserID, &sc.SenderID, &sc.Name, &tier, &vip, &sc.ReplyRate, &lastMs, &sc.Summary)
	if err == sql.ErrNoRows {
		return feed.SenderContext{}, false, nil
	}
	if err != nil {
		return feed.SenderContext{}, false, fmt.Errorf("get contact: %w", err)
	}
	sc.Tier = feed.RelationshipTier(tier)
	sc.IsVIP = vip == 1
	if lastMs.Valid {
		t := time.UnixMilli(lastMs.Int64).UTC()
		sc.LastInteraction = &t
	}
	return sc, true, nil
}

func (b *SQLiteBackend) UpsertContact(ctx context.Context, sc feed.SenderContext) error {
	var lastMs any
	if sc.LastInteraction != nil {
		lastMs = sc.LastInteraction.UnixMilli()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, sender_id, name, tier, is_vip, reply_rate, last_interaction_ms, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, sender_id) DO UPDATE SET
			name = excluded.name, tier = excluded.tier, is_vip = excluded.is_vip,
			reply_rate = excluded.reply_rate, last_interaction_ms = excluded.last_interaction_ms,
			summary = excluded.summary
	`, sc.UserID, sc.SenderID, sc.Name, string(sc.Tier), boolToInt(sc.IsVIP), sc.ReplyRate, lastMs, sc.Summary)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetCursor(ctx context.Context, userID, platform string) (feed.SyncCursor, error) {
	cursor := feed.SyncCursor{UserID: userID, Platform: platform}
	var updatedMs int64
	err := b.db.QueryRowContext(ctx, `
		SELECT cursor, updated_at_ms FROM sync_cursors WHERE user_id = ? AND platform = ?
	`, userID, platform).Scan(&cursor.Cursor, &updatedMs)
	if err == sql.ErrNoRows {
		return cursor, nil
	}
	if err != nil {
		return feed.SyncCursor{}, fmt.Errorf("get cursor: %w", err)
	}
	cursor.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return cursor, nil
}

func (b *SQLiteBackend) SetCursor(ctx context.Context, cursor feed.SyncCursor) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, platform, cursor, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, platform) DO UPDATE SET
			cursor = excluded.cursor, updated_at_ms = excluded.updated_at_ms
	`, cursor.UserID, cursor.Platform, cursor.Cursor, cursor.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (feed.Entry, error) {
	var (
		e          feed.Entry
		receivedMs int64
		isRead     int
		isDone     int
		snoozeMs   sql.NullInt64
		label      string
		sentiment  string
		lowConf    int
		computedMs int64
	)
	err := row.Scan(
		&e.Message.ID, &e.Message.UserID, &e.Message.Platform, &e.Message.PlatformMessageID,
		&e.Message.ThreadID, &e.Message.SenderID, &e.Message.SenderName, &e.Message.ContentText,
		&receivedMs, &isRead, &isDone, &snoozeMs,
		&e.Enrichment.PriorityScore, &label, &sentiment, &e.Enrichment.ContextNote, &lowConf, &computedMs,
	)
	if err != nil {
		return feed.Entry{}, err
	}
	e.Message.ReceivedAt = time.UnixMilli(receivedMs).UTC()
	e.Message.IsRead = isRead == 1
	e.Message.IsDone = isDone == 1
	if snoozeMs.Valid {
		t := time.UnixMilli(snoozeMs.Int64).UTC()
		e.Message.SnoozedUntil = &t
	}
	e.Enrichment.PriorityLabel = feed.PriorityLabel(label)
	e.Enrichment.Sentiment = feed.Sentiment(sentiment)
	e.Enrichment.LowConfidence = lowConf == 1
	e.Enrichment.ComputedAt = time.UnixMilli(computedMs).UTC()
	return e, nil
}

func scanSQLiteEntries(rows *sql.Rows) ([]feed.Entry, error) {
	entries := make([]feed.Entry, 0)
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func msToNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
