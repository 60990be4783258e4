package models

import (
	"fmt"
	"time"
)

// Bedtime is a local time of day chosen by the subscriber.
type Bedtime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (b Bedtime) String() string {
	return fmt.Sprintf("%02d:%02d", b.Hour, b.Minute)
}

type PushKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// DeliveryTarget is everything the push transport needs to reach one endpoint.
type DeliveryTarget struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

// Subscription is keyed by Endpoint. Re-registration replaces it wholesale and
// bumps Revision.
type Subscription struct {
	Endpoint     string         `json:"endpoint"`
	Target       DeliveryTarget `json:"-"`
	Bedtime      Bedtime        `json:"bedtime"`
	RegisteredAt time.Time      `json:"registered_at"`
	Revision     uint64         `json:"-"`
}

type SubscriptionInfo struct {
	Endpoint     string    `json:"endpoint"`
	Bedtime      Bedtime   `json:"bedtime"`
	RegisteredAt time.Time `json:"registered_at"`
}

// PersistedSubscription is the durable record: the subscription tuple plus the
// fire instants that were armed for it. A zero instant was never armed or has
// already fired.
type PersistedSubscription struct {
	Subscription
	FireTimes FireTimes
}
