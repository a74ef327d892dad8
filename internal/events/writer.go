package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends bus events to the sqlite journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evt Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := evt.TS
	if ts.IsZero() {
		ts = w.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var (
		checkID, status string
		dealID          any
	)
	if evt.Check != nil {
		checkID = evt.Check.ID
		status = string(evt.Check.Status)
		dealID = int64(evt.Check.DealID)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,check_id,deal_id,status,payload_json) VALUES (?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), evt.Type, nullable(checkID), dealID, nullable(status), string(data))
	return err
}

// Journal is the bus handler that persists check transitions.
func (w Writer) Journal(ctx context.Context, evt Event) error {
	if evt.Type == StateUpdate {
		return nil
	}
	return w.Append(ctx, evt)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
