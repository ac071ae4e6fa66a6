package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/models"
)

// SQLiteStore keeps notification records in a local SQLite database.
// Records are never deleted.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at path, enables WAL mode and
// runs pending migrations. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

type notificationRow struct {
	ID          string `db:"id"`
	Recipient   string `db:"recipient"`
	Type        string `db:"type"`
	ThreadID    string `db:"thread_id"`
	Payload     string `db:"payload"`
	Read        int    `db:"read"`
	CreatedTS   int64  `db:"created_ts"`
	DeliveredTS int64  `db:"delivered_ts"`
}

func (r notificationRow) model() models.Notification {
	n := models.Notification{
		ID:          r.ID,
		Recipient:   r.Recipient,
		Type:        models.NotificationType(r.Type),
		Thread:      r.ThreadID,
		Read:        r.Read != 0,
		CreatedTS:   r.CreatedTS,
		DeliveredTS: r.DeliveredTS,
	}
	if r.Payload != "" {
		n.Payload = json.RawMessage(r.Payload)
	}
	return n
}

const selectColumns = "id, recipient, type, thread_id, payload, read, created_ts, delivered_ts"

// Insert stores a new notification.
func (s *SQLiteStore) Insert(ctx context.Context, n models.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient, type, thread_id, payload, read, created_ts, delivered_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Recipient, string(n.Type), n.Thread, string(n.Payload),
		boolToInt(n.Read), n.CreatedTS, n.DeliveredTS,
	)
	if err != nil {
		return errs.Upstream("notify.insert", fmt.Errorf("creating notification: %w", err))
	}
	return nil
}

// Get loads one notification of recipient.
func (s *SQLiteStore) Get(ctx context.Context, recipient, id string) (models.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+selectColumns+" FROM notifications WHERE id = ? AND recipient = ?", id, recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, errs.NotFound("notify.get", "notification not found")
	}
	if err != nil {
		return models.Notification{}, errs.Upstream("notify.get", err)
	}
	return row.model(), nil
}

// List returns recipient's notifications, newest first.
func (s *SQLiteStore) List(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]models.Notification, error) {
	q := "SELECT " + selectColumns + " FROM notifications WHERE recipient = ?"
	if unreadOnly {
		q += " AND read = 0"
	}
	q += " ORDER BY created_ts DESC, id DESC LIMIT ?"

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, q, recipient, limit); err != nil {
		return nil, errs.Upstream("notify.list", fmt.Errorf("querying notifications: %w", err))
	}
	out := make([]models.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// MarkRead flags one notification of recipient as read. Unknown ids and ids
// owned by someone else are NotFound.
func (s *SQLiteStore) MarkRead(ctx context.Context, recipient, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ? AND recipient = ?", id, recipient)
	if err != nil {
		return errs.Upstream("notify.mark_read", fmt.Errorf("marking notification %s as read: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("notify.mark_read", "notification not found")
	}
	return nil
}

// MarkAllRead flags every unread notification of recipient and returns how
// many changed.
func (s *SQLiteStore) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE recipient = ? AND read = 0", recipient)
	if err != nil {
		return 0, errs.Upstream("notify.mark_all_read", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkDelivered records the first client delivery confirmation.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, recipient, id string, ts int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET delivered_ts = ? WHERE id = ? AND recipient = ? AND delivered_ts = 0", ts, id, recipient)
	if err != nil {
		return errs.Upstream("notify.mark_delivered", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// already delivered is fine, unknown is not
		if _, err := s.Get(ctx, recipient, id); err != nil {
			return err
		}
	}
	return nil
}

// UnreadCount returns the number of unread notifications of recipient.
func (s *SQLiteStore) UnreadCount(ctx context.Context, recipient string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM notifications WHERE recipient = ? AND read = 0", recipient); err != nil {
		return 0, errs.Upstream("notify.unread_count", err)
	}
	return n, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
