package models

import "time"

// ReminderEvent describes one delivery attempt. It is streamed to event
// subscribers.
type ReminderEvent struct {
	Type     string       `json:"type"`
	Endpoint string       `json:"endpoint"`
	Kind     ReminderKind `json:"kind"`
	Outcome  string       `json:"outcome"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}

const EventDelivery = "delivery"
