package models

import "time"

// ReminderKind values are part of the public API and of the stored records.
type ReminderKind string

const (
	ReminderBath ReminderKind = "bath"
	ReminderPrep ReminderKind = "prep"
)

// ReminderKinds lists every kind in firing order.
var ReminderKinds = []ReminderKind{ReminderBath, ReminderPrep}

// ReminderTest labels ad-hoc test sends. It is never scheduled.
const ReminderTest ReminderKind = "test"

// FireTimes holds the absolute instants for both reminders. Zero means the
// reminder is not armed.
type FireTimes struct {
	Bath time.Time `json:"bath,omitempty"`
	Prep time.Time `json:"prep,omitempty"`
}

func (f FireTimes) For(kind ReminderKind) time.Time {
	switch kind {
	case ReminderBath:
		return f.Bath
	case ReminderPrep:
		return f.Prep
	default:
		return time.Time{}
	}
}

func (f *FireTimes) Set(kind ReminderKind, at time.Time) {
	switch kind {
	case ReminderBath:
		f.Bath = at
	case ReminderPrep:
		f.Prep = at
	}
}

// ScheduledReminder is a live, armed reminder. Token identifies this particular
// arming; a fired or cancelled token is never reused.
type ScheduledReminder struct {
	Endpoint string       `json:"endpoint"`
	Kind     ReminderKind `json:"kind"`
	FireAt   time.Time    `json:"fire_at"`
	Token    string       `json:"-"`
}

// Payload is the JSON document pushed to the browser service worker.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

const (
	TagBath = "bath-notification"
	TagPrep = "prep-notification"
	TagTest = "test-notification"
)
