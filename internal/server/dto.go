package server

import (
	"encoding/json"

	"tubekeeper/internal/domain"
)

type ConfigRequest struct {
	PollIntervalMs *int64 `json:"pollIntervalMs,omitempty" minimum:"1"`
	EtagCheckCycle *int   `json:"etagCheckCycle,omitempty" minimum:"1"`
}

type ConfigResponse struct {
	OK     bool                `json:"ok"`
	Config domain.ServerConfig `json:"config"`
}

type CheckResponse struct {
	OK      bool   `json:"ok"`
	CheckID string `json:"checkId"`
}

type CheckAllResponse struct {
	OK        bool     `json:"ok"`
	CheckIDs  []string `json:"checkIds"`
	DealCount int      `json:"dealCount"`
}

type PollingResponse struct {
	OK             bool `json:"ok"`
	PollingEnabled bool `json:"pollingEnabled"`
}

type JournalEntryResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	CheckID string          `json:"checkId,omitempty"`
	DealID  *int64          `json:"dealId,omitempty"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type JournalPage struct {
	Items      []JournalEntryResponse `json:"items"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

func journalEntryResponse(e domain.JournalEntry) JournalEntryResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return JournalEntryResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		CheckID: e.CheckID,
		DealID:  e.DealID,
		Status:  e.Status,
		Payload: payload,
	}
}

// Stream payloads. Each event name maps to its own type so the stream
// can label messages.
type (
	CheckCreatedMessage   domain.Check
	CheckUpdatedMessage   domain.Check
	CheckCompletedMessage domain.Check
	StateUpdateMessage    domain.Snapshot
)
