package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/transcript"
)

const (
	bookingLayout     = "2006-01-02 15:04"
	defaultDuration   = 30
	transcriptExcerpt = 20
	maxResponseBytes  = 64 << 10
)

// BookingConfig configures the calendar booking webhook.
type BookingConfig struct {
	URL      string
	Token    string
	Timezone string // IANA name the caller's wall-clock times are in
	Client   *http.Client
}

// Booking books appointments through a calendar webhook. Caller-supplied
// local times are converted to UTC with the zone's real rules, so daylight
// saving transitions are honoured.
type Booking struct {
	cfg BookingConfig
	loc *time.Location
	now func() time.Time
}

// NewBooking creates the book_appointment tool.
func NewBooking(cfg BookingConfig) (*Booking, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("booking: url required")
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("booking: %w", err)
	}
	if cfg.Client == nil {
		cfg.Client = NewToolHTTPClient(0, 0)
	}
	return &Booking{cfg: cfg, loc: loc, now: time.Now}, nil
}

func (b *Booking) Name() string { return "book_appointment" }

func (b *Booking) Description() string {
	return "Books an appointment for the caller. start_time is local wall-clock time in the business timezone, formatted YYYY-MM-DD HH:MM."
}

func (b *Booking) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Caller's full name"},
			"phone": {"type": "string"},
			"email": {"type": "string"},
			"start_time": {"type": "string", "description": "Local time, YYYY-MM-DD HH:MM"},
			"duration_minutes": {"type": "integer"},
			"notes": {"type": "string"}
		},
		"required": ["name", "start_time"]
	}`)
}

type bookingArgs struct {
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Notes           string `json:"notes"`
}

type bookingRequest struct {
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	StartUTC   time.Time `json:"start_utc"`
	EndUTC     time.Time `json:"end_utc"`
	Timezone   string    `json:"timezone"`
	Notes      string    `json:"notes,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
}

type bookingResponse struct {
	Confirmation string `json:"confirmation"`
	Message      string `json:"message"`
}

func (b *Booking) Execute(ctx context.Context, call Call, args json.RawMessage) (string, error) {
	var in bookingArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("book_appointment args: %w", err)
	}
	if strings.TrimSpace(in.Name) == "" || in.StartTime == "" {
		return "I need the caller's name and a start time to book an appointment.", nil
	}

	start, err := ToUTC(in.StartTime, b.loc)
	if err != nil {
		return fmt.Sprintf("I couldn't understand the time %q. Please give it as YYYY-MM-DD HH:MM.", in.StartTime), nil
	}
	if start.Before(b.now()) {
		return "That time has already passed. Please choose a future time.", nil
	}
	dur := in.DurationMinutes
	if dur <= 0 {
		dur = defaultDuration
	}

	body, err := json.Marshal(bookingRequest{
		SessionID:  call.SessionID,
		Name:       in.Name,
		Phone:      in.Phone,
		Email:      in.Email,
		StartUTC:   start,
		EndUTC:     start.Add(time.Duration(dur) * time.Minute),
		Timezone:   b.loc.String(),
		Notes:      in.Notes,
		Transcript: excerpt(call.Transcript),
	})
	if err != nil {
		return "", fmt.Errorf("booking marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("booking request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("booking post: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("booking read: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		return "That slot is no longer available. Please offer the caller another time.", nil
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("booking post: status %d", resp.StatusCode)
	}

	var out bookingResponse
	_ = json.Unmarshal(raw, &out)
	local := start.In(b.loc).Format("Monday 2 January at 15:04")
	if out.Message != "" {
		return out.Message, nil
	}
	if out.Confirmation != "" {
		return fmt.Sprintf("Booked %s for %s. Confirmation %s.", local, in.Name, out.Confirmation), nil
	}
	return fmt.Sprintf("Booked %s for %s.", local, in.Name), nil
}

// ToUTC interprets a wall-clock time in loc and returns it in UTC.
func ToUTC(wall string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(bookingLayout, strings.TrimSpace(wall), loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func excerpt(entries []transcript.Entry) string {
	if len(entries) > transcriptExcerpt {
		entries = entries[len(entries)-transcriptExcerpt:]
	}
	return transcript.Format(entries)
}
