// Package index is a thin facade over the local mail-index library spec.md
// treats as an opaque, external collaborator (spec.md §1, §6): current
// revision, enumerate messages whose revision exceeds a watermark, tag
// reads/writes, per-file add/remove, and queries by tag or filename.
//
// No notmuch Go binding appears anywhere in the example pack, so this
// adapter is backed by an embedded SQLite database via
// github.com/mattn/go-sqlite3 instead — the teacher's own persistence
// dependency (internal/persist), repurposed here from Gmail history
// bookkeeping to message/tag/revision bookkeeping. The DSN construction,
// busy-timeout handling, and DB/Tx wrapper shape are carried over directly
// from persist.Open/persist.DB.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"mujmap/internal/message"
)

var createTableSQL = []string{
	// messages holds one row per locally-known message. revision is the
	// index's own monotonic edit counter: it advances every time a
	// message's tag set changes, whether the change came from the user
	// or from a sync run applying remote state. The watermark persisted
	// after each successful sync is compared against this column to
	// decide whether a message is locally-modified.
	`
CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT NOT NULL PRIMARY KEY,
	blob_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	revision INTEGER NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS messages_filename ON messages (filename);`,
	// tags maps message ids to the local tag names currently set on
	// them.
	`
CREATE TABLE IF NOT EXISTS tags (
	message_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (message_id, tag),
	FOREIGN KEY (message_id) REFERENCES messages (message_id)
);`,
	`CREATE INDEX IF NOT EXISTS tags_tag ON tags (tag);`,
	// revision_counter holds a single row tracking the last-issued
	// revision number, so every Add and SetTags gets a fresh,
	// strictly increasing value (UpdateFilename and Remove do not
	// issue one).
	`
CREATE TABLE IF NOT EXISTS revision_counter (
	id INTEGER NOT NULL PRIMARY KEY CHECK (id = 0),
	value INTEGER NOT NULL
);`,
	`INSERT OR IGNORE INTO revision_counter (id, value) VALUES (0, 0);`,
}

// Index is a handle to the local mail index's SQLite-backed store.
type Index struct {
	db *sql.DB
}

func dsnFromPath(path string) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	// A generous busy timeout; the sync engine is single-threaded from
	// the database's point of view but the default 5 second SQLite
	// timeout is too short under a slow disk.
	busyTimeout := int(5 * time.Minute / time.Millisecond)
	values.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout))
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if needed) the SQLite database at path and ensures
// its schema exists.
func Open(ctx context.Context, path string) (*Index, error) {
	dsn, err := dsnFromPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "forming database DSN from %q", path)
	}
	log.Printf("opening index database at %q", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database at %q", dsn)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "initializing schema for %q", path)
	}
	return &Index{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "executing %q", stmt)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (x *Index) Close() error {
	return x.db.Close()
}

// nextRevision atomically bumps and returns the global revision counter.
// Callers must hold tx for the duration of the mutation they're stamping.
func nextRevision(ctx context.Context, tx *sql.Tx) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE revision_counter SET value = value + 1 WHERE id = 0`); err != nil {
		return 0, errors.Wrap(err, "bumping revision counter")
	}
	var v uint64
	row := tx.QueryRowContext(ctx, `SELECT value FROM revision_counter WHERE id = 0`)
	if err := row.Scan(&v); err != nil {
		return 0, errors.Wrap(err, "reading revision counter")
	}
	return v, nil
}

// CurrentRevision returns the highest revision issued so far, i.e. the
// index's current revision as spec.md §4.4.1's COMMIT step needs it.
func (x *Index) CurrentRevision(ctx context.Context) (uint64, error) {
	var v uint64
	row := x.db.QueryRowContext(ctx, `SELECT value FROM revision_counter WHERE id = 0`)
	if err := row.Scan(&v); err != nil {
		return 0, errors.Wrap(err, "reading current revision")
	}
	return v, nil
}

// Add registers a newly-downloaded message with the index: its id, blob
// id, maildir filename, and the tags it should carry. This stamps a fresh
// revision, mirroring the notmuch behavior of bumping a message's revision
// on any write including ones the sync tool itself performs.
func (x *Index) Add(ctx context.Context, id message.ID, blob message.BlobID, filename string, tags map[string]bool) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	rev, err := nextRevision(ctx, tx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO messages (message_id, blob_id, filename, revision)
VALUES ($1, $2, $3, $4)
ON CONFLICT (message_id) DO UPDATE SET blob_id = $2, filename = $3, revision = $4`,
		string(id), string(blob), filename, rev)
	if err != nil {
		return errors.Wrap(err, "inserting message")
	}
	if err := writeTagsTx(ctx, tx, id, tags); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove deletes a message and its tags from the index.
func (x *Index) Remove(ctx context.Context, id message.ID) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE message_id = $1`, string(id)); err != nil {
		return errors.Wrap(err, "deleting tags")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = $1`, string(id)); err != nil {
		return errors.Wrap(err, "deleting message")
	}
	return tx.Commit()
}

func writeTagsTx(ctx context.Context, tx *sql.Tx, id message.ID, tags map[string]bool) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE message_id = $1`, string(id)); err != nil {
		return errors.Wrap(err, "clearing tags")
	}
	for tag, set := range tags {
		if !set {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tags (message_id, tag) VALUES ($1, $2)`, string(id), tag); err != nil {
			return errors.Wrapf(err, "inserting tag %q", tag)
		}
	}
	return nil
}

// SetTags overwrites a message's tag set and stamps a fresh revision.
func (x *Index) SetTags(ctx context.Context, id message.ID, tags map[string]bool) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	rev, err := nextRevision(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET revision = $1 WHERE message_id = $2`, rev, string(id)); err != nil {
		return errors.Wrap(err, "bumping message revision")
	}
	if err := writeTagsTx(ctx, tx, id, tags); err != nil {
		return err
	}
	return tx.Commit()
}

// Tags reads a message's current tag set.
func (x *Index) Tags(ctx context.Context, id message.ID) (map[string]bool, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT tag FROM tags WHERE message_id = $1`, string(id))
	if err != nil {
		return nil, errors.Wrap(err, "querying tags")
	}
	defer rows.Close()
	tags := map[string]bool{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "scanning tag")
		}
		tags[tag] = true
	}
	return tags, rows.Err()
}

// Entry is one row of the index's message table.
type Entry struct {
	ID       message.ID
	BlobID   message.BlobID
	Filename string
	Revision uint64
	Tags     map[string]bool
}

// Get reads one message's full index entry, or ok=false if absent.
func (x *Index) Get(ctx context.Context, id message.ID) (Entry, bool, error) {
	row := x.db.QueryRowContext(ctx, `SELECT blob_id, filename, revision FROM messages WHERE message_id = $1`, string(id))
	var e Entry
	e.ID = id
	var blob, filename string
	var rev uint64
	if err := row.Scan(&blob, &filename, &rev); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, errors.Wrap(err, "reading message")
	}
	e.BlobID, e.Filename, e.Revision = message.BlobID(blob), filename, rev
	tags, err := x.Tags(ctx, id)
	if err != nil {
		return Entry{}, false, err
	}
	e.Tags = tags
	return e, true, nil
}

// EnumerateSince returns every message whose revision exceeds watermark:
// the set the sync engine's MERGE phase classifies as locally-modified.
func (x *Index) EnumerateSince(ctx context.Context, watermark uint64) ([]Entry, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT message_id, blob_id, filename, revision FROM messages WHERE revision > $1`, watermark)
	if err != nil {
		return nil, errors.Wrap(err, "querying messages since watermark")
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var id, blob, filename string
		var rev uint64
		if err := rows.Scan(&id, &blob, &filename, &rev); err != nil {
			return nil, errors.Wrap(err, "scanning message")
		}
		entries = append(entries, Entry{ID: message.ID(id), BlobID: message.BlobID(blob), Filename: filename, Revision: rev})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range entries {
		tags, err := x.Tags(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Tags = tags
	}
	return entries, nil
}

// QueryByTag returns every message id currently carrying tag.
func (x *Index) QueryByTag(ctx context.Context, tag string) ([]message.ID, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT message_id FROM tags WHERE tag = $1`, tag)
	if err != nil {
		return nil, errors.Wrap(err, "querying by tag")
	}
	defer rows.Close()
	var ids []message.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, message.ID(id))
	}
	return ids, rows.Err()
}

// QueryByFilename resolves a maildir filename back to a message id.
func (x *Index) QueryByFilename(ctx context.Context, filename string) (message.ID, bool, error) {
	row := x.db.QueryRowContext(ctx, `SELECT message_id FROM messages WHERE filename = $1`, filename)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "querying by filename")
	}
	return message.ID(id), true, nil
}

// UpdateFilename records a maildir rename (a flag-only change never
// changes the MessageID/BlobID portion; spec.md §3's maildir file
// lifecycle).
func (x *Index) UpdateFilename(ctx context.Context, id message.ID, filename string) error {
	_, err := x.db.ExecContext(ctx, `UPDATE messages SET filename = $1 WHERE message_id = $2`, filename, string(id))
	if err != nil {
		return errors.Wrap(err, "updating filename")
	}
	return nil
}
