package appointments

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bosley/healthas/apperr"
)

// DraftLayout is the wall-clock form used by the appointment editor.
const DraftLayout = "2006-01-02T15:04"

// DraftLead is how far ahead of now a fresh draft is scheduled.
const DraftLead = 30 * time.Minute

// Record is an appointment as the remote service reports it. ID and Status
// are opaque.
type Record struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"date_time"`
	Purpose     string    `json:"purpose"`
	Status      string    `json:"status"`
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       json.RawMessage `json:"id"`
		DateTime string          `json:"date_time"`
		Purpose  string          `json:"purpose"`
		Status   string          `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id, err := opaqueID(raw.ID)
	if err != nil {
		return err
	}
	at, err := ParseInstant(raw.DateTime)
	if err != nil {
		return err
	}

	*r = Record{ID: id, ScheduledAt: at, Purpose: raw.Purpose, Status: raw.Status}
	return nil
}

// the service has been seen returning both numeric and string ids
func opaqueID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid appointment id %s", raw)
	}
	return n.String(), nil
}

// ParseInstant reads an ISO 8601 timestamp. Timestamps without a zone are
// taken as UTC.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", DraftLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid appointment time %q", s)
}

// Draft is the editable form for a new appointment.
type Draft struct {
	ScheduledAt string `json:"date_time"`
	Purpose     string `json:"purpose"`
}

// NewDraft returns the default draft: now plus DraftLead as wall-clock time
// in loc, no purpose.
func NewDraft(now time.Time, loc *time.Location) Draft {
	if loc == nil {
		loc = time.Local
	}
	return Draft{ScheduledAt: now.Add(DraftLead).In(loc).Format(DraftLayout)}
}

// Resolve validates the draft and turns its wall-clock time into an instant
// in loc.
func (d Draft) Resolve(loc *time.Location) (time.Time, string, error) {
	if strings.TrimSpace(d.Purpose) == "" {
		return time.Time{}, "", apperr.Validation("purpose", "Please enter a purpose for the appointment")
	}
	at, err := parseLocal(d.ScheduledAt, loc)
	if err != nil {
		return time.Time{}, "", err
	}
	return at, d.Purpose, nil
}

// Patch holds the fields an update changes. Nil fields are left alone.
type Patch struct {
	ScheduledAt *string `json:"date_time,omitempty"`
	Purpose     *string `json:"purpose,omitempty"`
}

func (p Patch) resolve(loc *time.Location) (UpdateRequest, error) {
	var req UpdateRequest
	if p.ScheduledAt == nil && p.Purpose == nil {
		return req, apperr.Validation("patch", "nothing to update")
	}
	if p.Purpose != nil {
		if strings.TrimSpace(*p.Purpose) == "" {
			return req, apperr.Validation("purpose", "Please enter a purpose for the appointment")
		}
		purpose := *p.Purpose
		req.Purpose = &purpose
	}
	if p.ScheduledAt != nil {
		at, err := parseLocal(*p.ScheduledAt, loc)
		if err != nil {
			return req, err
		}
		req.DateTime = &at
	}
	return req, nil
}

func parseLocal(s string, loc *time.Location) (time.Time, error) {
	at, err := time.ParseInLocation(DraftLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, apperr.Validation("date_time", fmt.Sprintf("expected YYYY-MM-DDTHH:MM, got %q", s))
	}
	return at.UTC(), nil
}

type CreateRequest struct {
	UserID   string    `json:"user_id"`
	DateTime time.Time `json:"date_time"`
	Purpose  string    `json:"purpose"`
}

type UpdateRequest struct {
	UserID   string     `json:"user_id"`
	DateTime *time.Time `json:"date_time,omitempty"`
	Purpose  *string    `json:"purpose,omitempty"`
}
