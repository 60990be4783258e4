// Package bedtime turns a bedtime into the instants at which the bath and
// wind-down reminders fire.
package bedtime

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tariel-x/sleepchecker/internal/models"
)

const (
	BathLead = 90 * time.Minute
	PrepLead = 30 * time.Minute

	// A naive candidate can land on the previous calendar day after the
	// minute borrow, so up to two forward shifts may be needed.
	maxDayShifts = 2
)

var ErrInvalidBedtime = errors.New("invalid bedtime")

var bedtimePattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// Parse reads an "HH:MM" bedtime.
func Parse(s string) (models.Bedtime, error) {
	m := bedtimePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return models.Bedtime{}, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidBedtime, s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	b := models.Bedtime{Hour: hour, Minute: minute}
	if err := Validate(b); err != nil {
		return models.Bedtime{}, err
	}
	return b, nil
}

func Validate(b models.Bedtime) error {
	if b.Hour < 0 || b.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidBedtime, b.Hour)
	}
	if b.Minute < 0 || b.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidBedtime, b.Minute)
	}
	return nil
}

// Resolve returns the next bath and prep instants strictly after now, in now's
// location. A reminder that cannot be placed after now is left zero.
func Resolve(b models.Bedtime, now time.Time) models.FireTimes {
	return models.FireTimes{
		Bath: next(b, BathLead, now),
		Prep: next(b, PrepLead, now),
	}
}

// Lead returns how long before bedtime the given reminder fires.
func Lead(kind models.ReminderKind) time.Duration {
	if kind == models.ReminderBath {
		return BathLead
	}
	return PrepLead
}

func next(b models.Bedtime, lead time.Duration, now time.Time) time.Time {
	y, mo, d := now.Date()
	// time.Date normalizes negative minutes across hour, day, month and year.
	at := time.Date(y, mo, d, b.Hour, b.Minute-int(lead/time.Minute), 0, 0, now.Location())
	for i := 0; i < maxDayShifts && !at.After(now); i++ {
		at = at.AddDate(0, 0, 1)
	}
	if !at.After(now) {
		return time.Time{}
	}
	return at
}
