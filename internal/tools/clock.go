package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata" // embedded zoneinfo
)

// Clock answers get_current_time in a configured or requested timezone.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock creates the clock tool. An empty tz means UTC.
func NewClock(tz string) (*Clock, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

func (c *Clock) Name() string { return "get_current_time" }

func (c *Clock) Description() string {
	return "Returns the current local date and time. Optionally takes an IANA timezone such as Europe/London."
}

func (c *Clock) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name"}
		}
	}`)
}

func (c *Clock) Execute(_ context.Context, _ Call, args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("get_current_time args: %w", err)
		}
	}
	loc := c.loc
	if in.Timezone != "" {
		l, err := loadLocation(in.Timezone)
		if err != nil {
			return "", err
		}
		loc = l
	}
	now := c.now().In(loc)
	return fmt.Sprintf("%s (%s)", now.Format("Monday, 2 January 2006 15:04"), loc), nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
