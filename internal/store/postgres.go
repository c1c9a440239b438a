package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

func init() {
	factory := func(dsn string) (Backend, error) { return NewPostgresBackend(dsn) }
	RegisterBackend("postgres", factory)
	RegisterBackend("postgresql", factory)
}

// PostgresBackend stores the feed in PostgreSQL for multi-instance
// deployments where a single sqlite file does not work.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b := &PostgresBackend{db: db}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) initSchema() error {
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
			received_at_ms BIGINT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			is_done BOOLEAN NOT NULL DEFAULT FALSE,
			snoozed_until_ms BIGINT,
			priority_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			priority_label TEXT NOT NULL DEFAULT 'fyi',
			sentiment TEXT NOT NULL DEFAULT 'neutral',
			context_note TEXT NOT NULL DEFAULT '',
			low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
			computed_at_ms BIGINT NOT NULL DEFAULT 0,
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
			is_vip BOOLEAN NOT NULL DEFAULT FALSE,
			reply_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_interaction_ms BIGINT,
			summary TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(user_id, sender_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			cursor TEXT NOT NULL DEFAULT '',
			updated_at_ms BIGINT NOT NULL DEFAULT 0,
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

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

const pgEntryColumns = `id, user_id, platform, platform_message_id, thread_id, sender_id, sender_name,
	content_text, received_at_ms, is_read, is_done, snoozed_until_ms,
	priority_score, priority_label, sentiment, context_note, low_confidence, computed_at_ms`

func (b *PostgresBackend) UpsertMessage(ctx context.Context, msg feed.Message, enr feed.Enrichment) (bool, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	// ON CONFLICT keeps the insert idempotent under concurrent webhook
	// and poll delivery of the same platform message.
	var created bool
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, user_id, platform, platform_message_id, thread_id, sender_id, sender_name,
			content_text, received_at_ms, is_read, is_done, snoozed_until_ms,
			priority_score, priority_label, sentiment, context_note, low_confidence, computed_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (user_id, platform, platform_message_id) DO UPDATE SET
			thread_id = excluded.thread_id, sender_id = excluded.sender_id,
			sender_name = excluded.sender_name, content_text = excluded.content_text,
			priority_score = excluded.priority_score, priority_label = excluded.priority_label,
			sentiment = excluded.sentiment, context_note = excluded.context_note,
			low_confidence = excluded.low_confidence, computed_at_ms = excluded.computed_at_ms
		RETURNING (xmax = 0)
	`, id, msg.UserID, msg.Platform, msg.PlatformMessageID, msg.ThreadID, msg.SenderID, msg.SenderName,
		msg.ContentText, msg.ReceivedAt.UnixMilli(), msg.IsRead, msg.IsDone, msToNull(msg.SnoozedUntil),
		enr.PriorityScore, string(enr.PriorityLabel), string(enr.Sentiment), enr.ContextNote, enr.LowConfidence, enr.ComputedAt.UnixMilli()).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}
	return created, nil
}

func (b *PostgresBackend) HasMessage(ctx context.Context, id feed.Identity) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages
		WHERE user_id = $1 AND platform = $2 AND platform_message_id = $3
	`, id.UserID, id.Platform, id.PlatformMessageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has message: %w", err)
	}
	return true, nil
}

func (b *PostgresBackend) GetMessage(ctx context.Context, userID, messageID string) (feed.Entry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT `+pgEntryColumns+` FROM messages WHERE user_id = $1 AND id = $2
	`, userID, messageID)
	entry, err := scanPGEntry(row)
	if err == sql.ErrNoRows {
		return feed.Entry{}, ErrNotFound
	}
	if err != nil {
		return feed.Entry{}, fmt.Errorf("get message: %w", err)
	}
	return entry, nil
}

func (b *PostgresBackend) RankedFeed(ctx context.Context, userID string, q FeedQuery) ([]feed.Entry, bool, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT ` + pgEntryColumns + ` FROM messages
		WHERE user_id = $1 AND is_done = FALSE AND snoozed_until_ms IS NULL`
	args := []any{userID}
	if q.Platform != "" {
		args = append(args, q.Platform)
		query += fmt.Sprintf(` AND platform = $%d`, len(args))
	}
	if q.Label != "" {
		args = append(args, string(q.Label))
		query += fmt.Sprintf(` AND priority_label = $%d`, len(args))
	}
	args = append(args, q.Limit+1, q.Offset)
	query += fmt.Sprintf(` ORDER BY priority_score DESC, received_at_ms DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("ranked feed: %w", err)
	}
	defer rows.Close()

	entries, err := scanPGEntries(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(entries) > q.Limit
	if hasMore {
		entries = entries[:q.Limit]
	}
	return entries, hasMore, nil
}

func (b *PostgresBackend) Thread(ctx context.Context, userID, threadID string) ([]feed.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+pgEntryColumns+` FROM messages
		WHERE user_id = $1 AND thread_id = $2
		ORDER BY received_at_ms ASC
	`, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	defer rows.Close()
	return scanPGEntries(rows)
}

func (b *PostgresBackend) ThreadStats(ctx context.Context, userID, threadID string, recentSince time.Time) (feed.ThreadStats, error) {
	var stats feed.ThreadStats
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN received_at_ms >= $1 THEN 1 ELSE 0 END), 0)
		FROM messages WHERE user_id = $2 AND thread_id = $3
	`, recentSince.UnixMilli(), userID, threadID).Scan(&stats.Total, &stats.Recent)
	if err != nil {
		return feed.ThreadStats{}, fmt.Errorf("thread stats: %w", err)
	}
	return stats, nil
}

func (b *PostgresBackend) SetRead(ctx context.Context, userID, messageID string, read bool) error {
	return b.mutate(ctx, `UPDATE messages SET is_read = $1 WHERE user_id = $2 AND id = $3`, read, userID, messageID)
}

func (b *PostgresBackend) SetDone(ctx context.Context, userID, messageID string, done bool) error {
	return b.mutate(ctx, `UPDATE messages SET is_done = $1 WHERE user_id = $2 AND id = $3`, done, userID, messageID)
}

func (b *PostgresBackend) SetSnooze(ctx context.Context, userID, messageID string, until *time.Time) error {
	return b.mutate(ctx, `UPDATE messages SET snoozed_until_ms = $1 WHERE user_id = $2 AND id = $3`, msToNull(until), userID, messageID)
}

func (b *PostgresBackend) UpdateScore(ctx context.Context, userID, messageID string, enr feed.Enrichment) error {
	return b.mutate(ctx, `
		UPDATE messages SET priority_score = $1, priority_label = $2, computed_at_ms = $3
		WHERE user_id = $4 AND id = $5
	`, enr.PriorityScore, string(enr.PriorityLabel), enr.ComputedAt.UnixMilli(), userID, messageID)
}

func (b *PostgresBackend) mutate(ctx context.Context, query string, args ...any) error {
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

func (b *PostgresBackend) DueSnoozes(ctx context.Context, now time.Time, limit int) ([]feed.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+pgEntryColumns+` FROM messages
		WHERE snoozed_until_ms IS NOT NULL AND snoozed_until_ms <= $1 AND is_done = FALSE
		ORDER BY snoozed_until_ms ASC LIMIT $2
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due snoozes: %w", err)
	}
	defer rows.Close()
	return scanPGEntries(rows)
}

func (b *PostgresBackend) DecayCandidates(ctx context.Context, olderThan time.Time, minScore float64, limit int) ([]feed.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+pgEntryColumns+` FROM messages
		WHERE is_done = FALSE AND is_read = FALSE AND received_at_ms < $1 AND priority_score > $2
		ORDER BY received_at_ms ASC LIMIT $3
	`, olderThan.UnixMilli(), minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("decay candidates: %w", err)
	}
	defer rows.Close()
	return scanPGEntries(rows)
}

func (b *PostgresBackend) GetContact(ctx context.Context, userID, senderID string) (feed.SenderContext, bool, error) {
	var (
		sc     feed.SenderContext
		lastMs sql.NullInt64
		tier   string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT user_id, sender_id, name, tier, is_vip, reply_rate, last_interaction_ms, summary
		FROM contacts WHERE user_id = $1 AND sender_id = $2
	`, userID, senderID).Scan(&sc.UserID, &sc.SenderID, &sc.Name, &tier, &sc.IsVIP, &sc.ReplyRate, &lastMs, &sc.Summary)
	if err == sql.ErrNoRows {
		return feed.SenderContext{}, false, nil
	}
	if err != nil {
		return feed.SenderContext{}, false, fmt.Errorf("get contact: %w", err)
	}
	sc.Tier = feed.RelationshipTier(tier)
	if lastMs.Valid {
		t := time.UnixMilli(lastMs.Int64).UTC()
		sc.LastInteraction = &t
	}
	return sc, true, nil
}

func (b *PostgresBackend) UpsertContact(ctx context.Context, sc feed.SenderContext) error {
	var lastMs any
	if sc.LastInteraction != nil {
		lastMs = sc.LastInteraction.UnixMilli()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, sender_id, name, tier, is_vip, reply_rate, last_interaction_ms, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(user_id, sender_id) DO UPDATE SET
			name = excluded.name, tier = excluded.tier, is_vip = excluded.is_vip,
			reply_rate = excluded.reply_rate, last_interaction_ms = excluded.last_interaction_ms,
			summary = excluded.summary
	`, sc.UserID, sc.SenderID, sc.Name, string(sc.Tier), sc.IsVIP, sc.ReplyRate, lastMs, sc.Summary)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (b *PostgresBackend) GetCursor(ctx context.Context, userID, platform string) (feed.SyncCursor, error) {
	cursor := feed.SyncCursor{UserID: userID, Platform: platform}
	var updatedMs int64
	err := b.db.QueryRowContext(ctx, `
		SELECT cursor, updated_at_ms FROM sync_cursors WHERE user_id = $1 AND platform = $2
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

func (b *PostgresBackend) SetCursor(ctx context.Context, cursor feed.SyncCursor) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, platform, cursor, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(user_id, platform) DO UPDATE SET
			cursor = excluded.cursor, updated_at_ms = excluded.updated_at_ms
	`, cursor.UserID, cursor.Platform, cursor.Cursor, cursor.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func scanPGEntry(row rowScanner) (feed.Entry, error) {
	var (
		e          feed.Entry
		receivedMs int64
		snoozeMs   sql.NullInt64
		label      string
		sentiment  string
		computedMs int64
	)
	err := row.Scan(
		&e.Message.ID, &e.Message.UserID, &e.Message.Platform, &e.Message.PlatformMessageID,
		&e.Message.ThreadID, &e.Message.SenderID, &e.Message.SenderName, &e.Message.ContentText,
		&receivedMs, &e.Message.IsRead, &e.Message.IsDone, &snoozeMs,
		&e.Enrichment.PriorityScore, &label, &sentiment, &e.Enrichment.ContextNote, &e.Enrichment.LowConfidence, &computedMs,
	)
	if err != nil {
		return feed.Entry{}, err
	}
	e.Message.ReceivedAt = time.UnixMilli(receivedMs).UTC()
	if snoozeMs.Valid {
		t := time.UnixMilli(snoozeMs.Int64).UTC()
		e.Message.SnoozedUntil = &t
	}
	e.Enrichment.PriorityLabel = feed.PriorityLabel(label)
	e.Enrichment.Sentiment = feed.Sentiment(sentiment)
	e.Enrichment.ComputedAt = time.UnixMilli(computedMs).UTC()
	return e, nil
}

func scanPGEntries(rows *sql.Rows) ([]feed.Entry, error) {
	entries := make([]feed.Entry, 0)
	for rows.Next() {
		e, err := scanPGEntry(rows)
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
