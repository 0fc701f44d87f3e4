// Package ledger keeps the durable record of held messages and their
// moderator resolutions. The message bytes themselves stay in the held
// queue; the ledger only tracks who held what, why, and what the
// moderator decided.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/idgen"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/pkg/metrics"
	"github.com/migadu/herald/queue"
)

// Disposition is the moderator's decision on a hold.
type Disposition string

const (
	DispositionPending   Disposition = "pending"
	DispositionApproved  Disposition = "approved"
	DispositionRejected  Disposition = "rejected"
	DispositionDiscarded Disposition = "discarded"
)

// ParseDisposition validates a moderator-supplied disposition. Pending
// is not a decision and is rejected here.
func ParseDisposition(s string) (Disposition, error) {
	switch Disposition(strings.ToLower(strings.TrimSpace(s))) {
	case DispositionApproved:
		return DispositionApproved, nil
	case DispositionRejected:
		return DispositionRejected, nil
	case DispositionDiscarded:
		return DispositionDiscarded, nil
	default:
		return "", fmt.Errorf("unknown disposition %q", s)
	}
}

// Hold is one moderation record.
type Hold struct {
	ID          string
	List        string
	MessageID   string
	EntryID     queue.EntryID
	Reason      string
	Rule        string
	Disposition Disposition
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Ledger is the SQLite-backed hold store.
type Ledger struct {
	db *sql.DB
}

// New opens (creating if needed) the ledger database at path.
func New(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("failed to set ledger journal_mode = WAL", "error", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		logger.Warn("failed to enable ledger foreign keys", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS holds (
		id TEXT PRIMARY KEY,
		list TEXT NOT NULL,
		message_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		rule TEXT NOT NULL,
		disposition TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		UNIQUE (list, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_holds_list_disposition ON holds(list, disposition);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger DB ping failed: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Record registers a hold. Recording the same (list, message-id) pair
// again returns the existing hold's ID without touching it, so crash
// replays of the incoming processor are harmless.
func (l *Ledger) Record(ctx context.Context, list, messageID string, entryID queue.EntryID, reason, rule string) (string, error) {
	id := idgen.New()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO holds (id, list, message_id, entry_id, reason, rule, disposition, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT (list, message_id) DO NOTHING`,
		id, list, messageID, string(entryID), reason, rule, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record hold: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to record hold: %w", err)
	}
	if inserted == 0 {
		var existing string
		err := l.db.QueryRowContext(ctx,
			`SELECT id FROM holds WHERE list = ? AND message_id = ?`,
			list, messageID).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("failed to load existing hold: %w", err)
		}
		return existing, nil
	}

	metrics.HeldMessages.WithLabelValues(list).Inc()
	logger.InfoContext(ctx, "recorded hold", "hold_id", id, "list", list,
		"message_id", messageID, "rule", rule, "reason", reason)
	return id, nil
}

// Get returns the hold with the given ID.
func (l *Ledger) Get(ctx context.Context, holdID string) (*Hold, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, list, message_id, entry_id, reason, rule, disposition, created_at, resolved_at
		FROM holds WHERE id = ?`, holdID)
	return scanHold(row)
}

// ListPending returns the unresolved holds for one list, oldest first.
func (l *Ledger) ListPending(ctx context.Context, list string) ([]*Hold, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, list, message_id, entry_id, reason, rule, disposition, created_at, resolved_at
		FROM holds WHERE list = ? AND disposition = 'pending'
		ORDER BY created_at`, list)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	defer rows.Close()

	var holds []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// resolve transitions a pending hold to its terminal disposition and
// returns the updated record. A hold that already left pending stays as
// it is; the first decision wins.
func (l *Ledger) resolve(ctx context.Context, holdID string, disposition Disposition) (*Hold, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE holds SET disposition = ?, resolved_at = ?
		WHERE id = ? AND disposition = 'pending'`,
		string(disposition), time.Now().UTC(), holdID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hold: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hold: %w", err)
	}
	if affected == 0 {
		h, err := l.Get(ctx, holdID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: hold %s is %s", consts.ErrHoldResolved, holdID, h.Disposition)
	}

	h, err := l.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	metrics.HeldMessages.WithLabelValues(h.List).Dec()
	metrics.ModerationDecisions.WithLabelValues(string(disposition)).Inc()
	return h, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (*Hold, error) {
	var h Hold
	var entryID string
	var resolvedAt sql.NullTime
	err := row.Scan(&h.ID, &h.List, &h.MessageID, &entryID, &h.Reason, &h.Rule,
		&h.Disposition, &h.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan hold: %w", err)
	}
	h.EntryID = queue.EntryID(entryID)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		h.ResolvedAt = &t
	}
	return &h, nil
}
