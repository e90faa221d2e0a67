package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modbot/internal/detect"
	logx "modbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage"), logx.String("driver", "sqlite"))}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("storage.opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertMessage(ctx context.Context, m detect.Message, skip bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	at := eventTime(m.SentAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(channel_id, message_id, author_id, author_name, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(channel_id, message_id) DO UPDATE SET author_name=excluded.author_name`,
		m.ChannelID, m.ID, m.AuthorID, nullStr(m.AuthorName), at,
	); err != nil {
		return fmt.Errorf("insert message %d/%d: %w", m.ChannelID, m.ID, err)
	}
	if err := insertEvent(ctx, tx, ActionSend, m, at, skip); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) InsertMessageEdit(ctx context.Context, m detect.Message) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvent(ctx, tx, ActionEdit, m, eventTime(m.SentAt), false); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, action string, m detect.Message, at int64, skip bool) error {
	sum := summarize(m)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO message_events(channel_id, message_id, author_id, action, at, body, content_hash, content_length, link_count, attachment_count, skip)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		m.ChannelID, m.ID, m.AuthorID, action, at, nullStr(m.Text), sum.hash, sum.length, sum.links, sum.attachments, boolInt(skip),
	)
	if err != nil {
		return fmt.Errorf("insert %s event %d/%d: %w", action, m.ChannelID, m.ID, err)
	}
	if len(m.Attachments) == 0 {
		return nil
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, a := range m.Attachments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachments(event_id, name, kind, size) VALUES(?,?,?,?)`,
			eventID, nullStr(a.Name), a.Kind, a.Size,
		); err != nil {
			return fmt.Errorf("insert attachment for event %d: %w", eventID, err)
		}
	}
	return nil
}

func (s *sqliteStore) InsertMessageDelete(ctx context.Context, channelID, messageID int64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_events(channel_id, message_id, author_id, action, at)
		 SELECT channel_id, message_id, author_id, 'delete', ?
		 FROM messages WHERE channel_id = ? AND message_id = ?`,
		eventTime(at), channelID, messageID,
	)
	return err
}

func (s *sqliteStore) InsertMemberEvent(ctx context.Context, e MemberEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO member_events(chat_id, user_id, username, action, at) VALUES(?,?,?,?,?)`,
		e.ChatID, e.UserID, nullStr(e.Username), e.Action, eventTime(e.At),
	)
	return err
}

func (s *sqliteStore) RecentMemberEvents(ctx context.Context, chatID, userID int64, limit int) ([]detect.MembershipEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, user_id, username, action, at
		 FROM member_events
		 WHERE chat_id = ? AND user_id = ?
		 ORDER BY at DESC, id DESC
		 LIMIT ?`,
		chatID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []detect.MembershipEvent{}
	for rows.Next() {
		var (
			e        detect.MembershipEvent
			username sql.NullString
		)
		if err := rows.Scan(&e.ChatID, &e.UserID, &username, &e.Action, &e.At); err != nil {
			return nil, err
		}
		e.Username = username.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryEntitySince lists every message the entity sent at or after since,
// newest first. Deleted messages stay in the window so a burst that was
// already cleaned up still counts.
func (s *sqliteStore) QueryEntitySince(ctx context.Context, entityID, since int64) ([]detect.ActivityRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel_id, author_id, at, content_length, attachment_count, link_count
		 FROM message_events
		 WHERE author_id = ? AND action = 'send' AND at >= ?
		 ORDER BY at DESC, id DESC`,
		entityID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []detect.ActivityRecord{}
	for rows.Next() {
		var r detect.ActivityRecord
		if err := rows.Scan(&r.RecordID, &r.ChannelID, &r.EntityID, &r.Timestamp, &r.ContentLength, &r.AttachmentCount, &r.LinkCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindIdenticalInOtherChannel(ctx context.Context, entityID int64, contentHash string, since, excludeChannelID int64) (detect.ActivityRecord, bool, error) {
	if s == nil || s.db == nil {
		return detect.ActivityRecord{}, false, ErrDisabled
	}
	var r detect.ActivityRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT e.message_id, e.channel_id, e.author_id, e.at, e.content_length, e.attachment_count, e.link_count
		 FROM message_events e
		 WHERE e.author_id = ? AND e.action = 'send' AND e.content_hash = ? AND e.at >= ?
		   AND e.channel_id <> ?
		   AND NOT EXISTS (
		     SELECT 1 FROM message_events d
		     WHERE d.channel_id = e.channel_id AND d.message_id = e.message_id AND d.action = 'delete'
		   )
		 ORDER BY e.at DESC, e.id DESC
		 LIMIT 1`,
		entityID, contentHash, since, excludeChannelID,
	).Scan(&r.RecordID, &r.ChannelID, &r.EntityID, &r.Timestamp, &r.ContentLength, &r.AttachmentCount, &r.LinkCount)
	if errors.Is(err, sql.ErrNoRows) {
		return detect.ActivityRecord{}, false, nil
	}
	if err != nil {
		return detect.ActivityRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) PruneBefore(ctx context.Context, before time.Time) (PruneResult, error) {
	if s == nil || s.db == nil {
		return PruneResult{}, ErrDisabled
	}
	cutoff := before.Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PruneResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var res PruneResult
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attachments WHERE event_id IN (SELECT id FROM message_events WHERE at < ?)`, cutoff,
	); err != nil {
		return PruneResult{}, err
	}
	if res.Events, err = execCount(ctx, tx, `DELETE FROM message_events WHERE at < ?`, cutoff); err != nil {
		return PruneResult{}, err
	}
	if res.Messages, err = execCount(ctx, tx,
		`DELETE FROM messages WHERE NOT EXISTS (
		   SELECT 1 FROM message_events e WHERE e.channel_id = messages.channel_id AND e.message_id = messages.message_id
		 )`,
	); err != nil {
		return PruneResult{}, err
	}
	if res.Members, err = execCount(ctx, tx, `DELETE FROM member_events WHERE at < ?`, cutoff); err != nil {
		return PruneResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PruneResult{}, err
	}
	return res, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	r, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
