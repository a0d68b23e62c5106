// Package sqlite provides a journal store backed by an on-device sqlite
// database, surviving process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/purchasekit/purchasekit/billing"
	"github.com/purchasekit/purchasekit/journal"
)

const schema = `
CREATE TABLE IF NOT EXISTS purchase_journal (
	id         TEXT PRIMARY KEY,
	purchase   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	delivered  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS purchase_journal_pending ON purchase_journal (delivered, created_at);
`

type SQLiteStore struct {
	db *sql.DB
}

// New opens (creating if needed) the journal database at path. Use
// ":memory:" for an ephemeral database.
func New(path string) (journal.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening journal database")
	}

	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY on concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error creating journal schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, entry *journal.Entry) error {
	serialized, err := json.Marshal(entry.Purchase)
	if err != nil {
		return errors.Wrap(err, "error serializing purchase")
	}

	query, args, err := sq.Insert("purchase_journal").
		Columns("id", "purchase", "created_at", "delivered").
		Values(entry.ID, string(serialized), entry.CreatedAt.UnixMilli(), entry.Delivered).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "error building insert")
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return journal.ErrExists
		}
		return errors.Wrap(err, "error appending journal entry")
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]*journal.Entry, error) {
	// rowid is insertion order, which created_at cannot guarantee when two
	// entries land in the same millisecond.
	query, args, err := sq.Select("id", "purchase", "created_at", "delivered").
		From("purchase_journal").
		Where(sq.Eq{"delivered": 0}).
		OrderBy("rowid ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "error building select")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error listing pending journal entries")
	}
	defer rows.Close()

	var res []*journal.Entry
	for rows.Next() {
		var (
			entry      journal.Entry
			serialized string
			createdAt  int64
		)
		if err := rows.Scan(&entry.ID, &serialized, &createdAt, &entry.Delivered); err != nil {
			return nil, errors.Wrap(err, "error scanning journal entry")
		}

		entry.Purchase = &billing.Purchase{}
		if err := json.Unmarshal([]byte(serialized), entry.Purchase); err != nil {
			return nil, errors.Wrap(err, "error deserializing purchase")
		}
		entry.CreatedAt = time.UnixMilli(createdAt)

		res = append(res, &entry)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string) error {
	query, args, err := sq.Update("purchase_journal").
		Set("delivered", 1).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "error building update")
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "error marking journal entry delivered")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "error checking update result")
	}
	if affected == 0 {
		return journal.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PurgeDelivered(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := sq.Delete("purchase_journal").
		Where(sq.Eq{"delivered": 1}).
		Where(sq.Lt{"created_at": cutoff.UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "error building delete")
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "error purging journal entries")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "error checking delete result")
	}
	return int(affected), nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT through the error
	// string; there is no stable exported error code to match on.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
