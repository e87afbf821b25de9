package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("directory: not found")

// Store is the durable side of the relay: the user directory, the relay
// audit log, the settings table and the persisted block list.
type Store interface {
	UpsertUser(ctx context.Context, u User) error
	UserByID(ctx context.Context, id int64) (User, error)
	CountUsers(ctx context.Context) (int64, error)
	LatestUsers(ctx context.Context, n int) ([]User, error)
	// RecipientIDs returns ids of all non-admin users, for broadcast fan-out.
	RecipientIDs(ctx context.Context) ([]int64, error)

	AppendRecord(ctx context.Context, r RelayRecord) error
	RecordsForParticipant(ctx context.Context, id int64, limit int) ([]RelayRecord, error)
	MostActiveSender(ctx context.Context) (int64, int64, error)
	// LastForwardOwner resolves the receiver of the most recent forward from
	// senderID. Backs reply/block authorization after restarts.
	LastForwardOwner(ctx context.Context, senderID int64) (int64, error)

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	AddBlock(ctx context.Context, ownerID, targetID int64) error
	IsBlocked(ctx context.Context, ownerID, targetID int64) (bool, error)
}

// SQLStore implements Store on top of sqlx. The SQL is written against the
// common subset of Postgres and SQLite; placeholders are rebound per driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open sqlx handle. The handle's driver decides
// placeholder binding; both supported backends accept the same statements.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) UpsertUser(ctx context.Context, u User) error {
	if u.LastSeen.IsZero() {
		u.LastSeen = s.now().UTC()
	}
	q := s.db.Rebind(`
		INSERT INTO users (id, display_name, username, is_admin, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			is_admin = excluded.is_admin,
			last_seen = excluded.last_seen`)
	if _, err := s.db.ExecContext(ctx, q, u.ID, u.DisplayName, u.Username, u.IsAdmin, u.LastSeen); err != nil {
		return fmt.Errorf("directory: upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *SQLStore) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	q := s.db.Rebind(`SELECT id, display_name, username, is_admin, last_seen FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &u, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("directory: user %d: %w", id, err)
	}
	return u, nil
}

func (s *SQLStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("directory: count users: %w", err)
	}
	return n, nil
}

func (s *SQLStore) LatestUsers(ctx context.Context, n int) ([]User, error) {
	if n <= 0 {
		return nil, nil
	}
	var users []User
	q := s.db.Rebind(`
		SELECT id, display_name, username, is_admin, last_seen
		FROM users ORDER BY last_seen DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &users, q, n); err != nil {
		return nil, fmt.Errorf("directory: latest users: %w", err)
	}
	return users, nil
}

func (s *SQLStore) RecipientIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	q := `SELECT id FROM users WHERE is_admin = FALSE ORDER BY id`
	if err := s.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, fmt.Errorf("directory: recipient ids: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) AppendRecord(ctx context.Context, r RelayRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	q := s.db.Rebind(`
		INSERT INTO relay_records (sender_id, receiver_id, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, r.SenderID, r.ReceiverID, string(r.Kind), r.Content, r.CreatedAt); err != nil {
		return fmt.Errorf("directory: append %s record: %w", r.Kind, err)
	}
	return nil
}

func (s *SQLStore) RecordsForParticipant(ctx context.Context, id int64, limit int) ([]RelayRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	var recs []RelayRecord
	q := s.db.Rebind(`
		SELECT id, sender_id, receiver_id, kind, content, created_at
		FROM relay_records
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &recs, q, id, id, limit); err != nil {
		return nil, fmt.Errorf("directory: records for %d: %w", id, err)
	}
	return recs, nil
}

func (s *SQLStore) MostActiveSender(ctx context.Context) (int64, int64, error) {
	row := struct {
		SenderID int64 `db:"sender_id"`
		Count    int64 `db:"cnt"`
	}{}
	q := `
		SELECT sender_id, COUNT(*) AS cnt
		FROM relay_records
		GROUP BY sender_id
		ORDER BY cnt DESC, sender_id ASC
		LIMIT 1`
	if err := s.db.GetContext(ctx, &row, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("directory: most active sender: %w", err)
	}
	return row.SenderID, row.Count, nil
}

func (s *SQLStore) LastForwardOwner(ctx context.Context, senderID int64) (int64, error) {
	var ownerID int64
	q := s.db.Rebind(`
		SELECT receiver_id FROM relay_records
		WHERE sender_id = ? AND kind = 'forward'
		ORDER BY id DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &ownerID, q, senderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("directory: last forward owner for %d: %w", senderID, err)
	}
	return ownerID, nil
}

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	q := s.db.Rebind(`SELECT value FROM settings WHERE key = ?`)
	if err := s.db.GetContext(ctx, &value, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("directory: setting %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLStore) PutSetting(ctx context.Context, key, value string) error {
	q := s.db.Rebind(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("directory: put setting %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) AddBlock(ctx context.Context, ownerID, targetID int64) error {
	q := s.db.Rebind(`
		INSERT INTO blocks (owner_id, target_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (owner_id, target_id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q, ownerID, targetID, s.now().UTC()); err != nil {
		return fmt.Errorf("directory: block %d by %d: %w", targetID, ownerID, err)
	}
	return nil
}

func (s *SQLStore) IsBlocked(ctx context.Context, ownerID, targetID int64) (bool, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM blocks WHERE owner_id = ? AND target_id = ?`)
	if err := s.db.GetContext(ctx, &n, q, ownerID, targetID); err != nil {
		return false, fmt.Errorf("directory: blocked check %d/%d: %w", ownerID, targetID, err)
	}
	return n > 0, nil
}
