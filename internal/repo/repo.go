// Package repo queries the check journal.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tubekeeper/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

type JournalFilter struct {
	Type    string
	CheckID string
	DealID  *int64
	// Cursor returns entries older than this id when positive.
	Cursor int64
	Limit  int
}

const journalColumns = `id,ts,type,COALESCE(check_id,''),deal_id,COALESCE(status,''),payload_json`

func scanEntries(rows *sql.Rows) ([]domain.JournalEntry, error) {
	defer rows.Close()
	res := []domain.JournalEntry{}
	for rows.Next() {
		var (
			e      domain.JournalEntry
			dealID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CheckID, &dealID, &e.Status, &e.Payload); err != nil {
			return nil, err
		}
		if dealID.Valid {
			v := dealID.Int64
			e.DealID = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns journal entries newest first.
func (r Repo) LatestEvents(ctx context.Context, f JournalFilter) ([]domain.JournalEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CheckID != "" {
		clauses = append(clauses, "check_id=?")
		args = append(args, f.CheckID)
	}
	if f.DealID != nil {
		clauses = append(clauses, "deal_id=?")
		args = append(args, *f.DealID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, journalColumns, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// EventsAfter returns entries with ids greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+journalColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// CheckTimeline returns every journaled transition of one check, oldest first.
func (r Repo) CheckTimeline(ctx context.Context, checkID string) ([]domain.JournalEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+journalColumns+` FROM events WHERE check_id=? ORDER BY id ASC`, checkID)
	if err != nil {
		return nil, err
	}
	res, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, nil
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the last delivered event id for a hook.
func (r Repo) WebhookCursor(ctx context.Context, url string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE url=?`, url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SaveWebhookCursor(ctx context.Context, url string, id int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(url) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		url, id, at.UTC().Format(time.RFC3339))
	return err
}
