package api

import "time"

// QueryFilter defines criteria for querying journal events. Zero fields
// match everything.
type QueryFilter struct {
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
	AuditID string    `json:"audit_id,omitempty"`
	Kind    EventKind `json:"kind,omitempty"`
	Status  Status    `json:"status,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

// Matches reports whether e satisfies every set field of the filter.
// Limit and Offset are ignored.
func (f QueryFilter) Matches(e *Event) bool {
	switch {
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	case f.AuditID != "" && e.AuditID != f.AuditID:
		return false
	case f.Kind != "" && e.Kind != f.Kind:
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	}
	return true
}

// JournalStats summarizes the lifecycle journal since the process started,
// including replayed history.
type JournalStats struct {
	TotalEvents int               `json:"total_events"`
	ByKind      map[EventKind]int `json:"by_kind"`
	ByComponent map[string]int    `json:"by_component"`

	// InFlight counts audits whose latest event is processing.
	InFlight int `json:"in_flight"`

	// MeanProcessingMs averages the signing time of finished audits.
	MeanProcessingMs int64 `json:"mean_processing_ms"`
}

// HistoryResponse is the journal timeline of one audit.
type HistoryResponse struct {
	AuditID string   `json:"audit_id"`
	Status  Status   `json:"status"`
	Events  []*Event `json:"events"`
}
