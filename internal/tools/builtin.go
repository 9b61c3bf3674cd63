package tools

import "net/http"

// BuiltinConfig selects and configures the compiled-in tools.
type BuiltinConfig struct {
	Timezone     string
	BookingURL   string // empty disables book_appointment
	BookingToken string
	Client       *http.Client
}

// RegisterBuiltins registers the compiled-in tools into reg.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	clock, err := NewClock(cfg.Timezone)
	if err != nil {
		return err
	}
	if err = reg.Register(clock); err != nil {
		return err
	}
	if cfg.BookingURL == "" {
		return nil
	}
	booking, err := NewBooking(BookingConfig{
		URL:      cfg.BookingURL,
		Token:    cfg.BookingToken,
		Timezone: cfg.Timezone,
		Client:   cfg.Client,
	})
	if err != nil {
		return err
	}
	return reg.Register(booking)
}
