// Package tenancy resolves inbound channel identifiers to practice configuration.
package tenancy

import (
	"strings"
	"time"
)

// DefaultTimezone is used when a tenant has no timezone configured.
const DefaultTimezone = "America/Mexico_City"

// Status is the lifecycle state of a tenant account.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Tenant is one practice's configuration. Read-only to the booking engine.
type Tenant struct {
	ID                 string         `json:"id"`
	ChannelNumberID    string         `json:"channel_number_id"`
	Name               string         `json:"name"`
	CalendarID         string         `json:"calendar_id"`
	LocationID         string         `json:"location_id"`
	AssignedUserID     string         `json:"assigned_user_id,omitempty"`
	CustomPrompt       string         `json:"custom_prompt,omitempty"`
	Status             Status         `json:"status"`
	Timezone           string         `json:"timezone,omitempty"`
	BusinessHours      *BusinessHours `json:"business_hours,omitempty"`
	RequiresPrepayment bool           `json:"requires_prepayment"`
	NotifyEmail        string         `json:"notify_email,omitempty"`
}

// Active reports whether the tenant may receive traffic.
func (t *Tenant) Active() bool {
	return t != nil && t.Status == StatusActive
}

// Location returns the tenant's time zone, falling back to DefaultTimezone.
func (t *Tenant) Location() *time.Location {
	if t != nil && strings.TrimSpace(t.Timezone) != "" {
		if loc, err := time.LoadLocation(t.Timezone); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsOpenAt checks whether t falls inside the tenant's nominal hours.
// Tenants without configured hours are treated as always open.
func (t *Tenant) IsOpenAt(at time.Time) bool {
	if t == nil || t.BusinessHours == nil || !t.BusinessHours.HasAnyHours() {
		return true
	}
	local := at.In(t.Location())
	hours := t.BusinessHours.ForDay(local.Weekday())
	if hours == nil {
		return false
	}
	open, ok := parseClock(hours.Open)
	if !ok {
		return false
	}
	closing, ok := parseClock(hours.Close)
	if !ok {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= open && minutes < closing
}

// DayHours represents the opening hours for a single day.
// Nil means the practice is closed that day.
type DayHours struct {
	Open  string `json:"open"`  // "09:00" in 24-hour format
	Close string `json:"close"` // "18:00" in 24-hour format
}

// BusinessHours maps weekdays to their hours.
type BusinessHours struct {
	Monday    *DayHours `json:"monday,omitempty"`
	Tuesday   *DayHours `json:"tuesday,omitempty"`
	Wednesday *DayHours `json:"wednesday,omitempty"`
	Thursday  *DayHours `json:"thursday,omitempty"`
	Friday    *DayHours `json:"friday,omitempty"`
	Saturday  *DayHours `json:"saturday,omitempty"`
	Sunday    *DayHours `json:"sunday,omitempty"`
}

// ForDay returns the hours configured for a weekday.
func (b *BusinessHours) ForDay(day time.Weekday) *DayHours {
	if b == nil {
		return nil
	}
	switch day {
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	default:
		return b.Sunday
	}
}

// HasAnyHours reports whether at least one day is configured.
func (b *BusinessHours) HasAnyHours() bool {
	if b == nil {
		return false
	}
	for _, d := range []*DayHours{b.Monday, b.Tuesday, b.Wednesday, b.Thursday, b.Friday, b.Saturday, b.Sunday} {
		if d != nil {
			return true
		}
	}
	return false
}

func parseClock(value string) (int, bool) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}
