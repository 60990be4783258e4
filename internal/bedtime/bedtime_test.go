package bedtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/sleepchecker/internal/models"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	require.NoError(t, err)
	return v
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    models.Bedtime
		wantErr bool
	}{
		{in: "22:30", want: models.Bedtime{Hour: 22, Minute: 30}},
		{in: "00:15", want: models.Bedtime{Hour: 0, Minute: 15}},
		{in: "7:05", want: models.Bedtime{Hour: 7, Minute: 5}},
		{in: " 23:59 ", want: models.Bedtime{Hour: 23, Minute: 59}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12:5", wantErr: true},
		{in: "1230", wantErr: true},
		{in: "", wantErr: true},
		{in: "-1:30", wantErr: true},
		{in: "ab:cd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidBedtime))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestResolveSameEvening(t *testing.T) {
	fire := Resolve(models.Bedtime{Hour: 22, Minute: 30}, at(t, "2025-03-10 20:00"))

	assert.Equal(t, at(t, "2025-03-10 21:00"), fire.Bath)
	assert.Equal(t, at(t, "2025-03-10 22:00"), fire.Prep)
}

func TestResolveAfterMidnightBedtime(t *testing.T) {
	fire := Resolve(models.Bedtime{Hour: 0, Minute: 15}, at(t, "2025-03-10 23:50"))

	assert.Equal(t, at(t, "2025-03-11 22:45"), fire.Bath)
	assert.Equal(t, at(t, "2025-03-11 23:45"), fire.Prep)
}

func TestResolveRollsOnlyPassedReminder(t *testing.T) {
	// Bath time already passed, prep still ahead tonight.
	fire := Resolve(models.Bedtime{Hour: 23, Minute: 0}, at(t, "2025-03-10 22:00"))

	assert.Equal(t, at(t, "2025-03-11 21:30"), fire.Bath)
	assert.Equal(t, at(t, "2025-03-10 22:30"), fire.Prep)
}

func TestResolveExactlyNowRollsForward(t *testing.T) {
	fire := Resolve(models.Bedtime{Hour: 22, Minute: 30}, at(t, "2025-03-10 21:00"))

	assert.Equal(t, at(t, "2025-03-11 21:00"), fire.Bath)
	assert.Equal(t, at(t, "2025-03-10 22:00"), fire.Prep)
}

func TestResolveBorrowsAcrossMonthAndYear(t *testing.T) {
	fire := Resolve(models.Bedtime{Hour: 1, Minute: 0}, at(t, "2025-01-01 00:10"))

	// 01:00 - 90m is 23:30 on Dec 31, already past; next is Jan 1 23:30.
	assert.Equal(t, at(t, "2025-01-01 23:30"), fire.Bath)
	assert.Equal(t, at(t, "2025-01-01 00:30"), fire.Prep)

	fire = Resolve(models.Bedtime{Hour: 0, Minute: 0}, at(t, "2024-02-29 23:00"))
	assert.Equal(t, at(t, "2024-03-01 22:30"), fire.Bath)
	assert.Equal(t, at(t, "2024-02-29 23:30"), fire.Prep)
}

func TestResolveAlwaysAfterNowAndWithinADay(t *testing.T) {
	base := at(t, "2025-06-01 00:00")
	for step := 0; step < 24*60; step += 7 {
		now := base.Add(time.Duration(step) * time.Minute)
		for h := 0; h < 24; h++ {
			for _, m := range []int{0, 15, 30, 59} {
				b := models.Bedtime{Hour: h, Minute: m}
				fire := Resolve(b, now)
				for _, kind := range models.ReminderKinds {
					got := fire.For(kind)
					require.False(t, got.IsZero(), "bedtime %s at %s: %s omitted", b, now, kind)
					require.True(t, got.After(now), "bedtime %s at %s: %s not after now", b, now, kind)
					require.LessOrEqual(t, got.Sub(now), 24*time.Hour)

					// The fire instant sits exactly one lead before a bedtime occurrence.
					bed := got.Add(Lead(kind))
					require.Equal(t, h, bed.Hour())
					require.Equal(t, m, bed.Minute())
				}
			}
		}
	}
}

func TestResolveKeepsLocation(t *testing.T) {
	loc := time.FixedZone("JST", 9*60*60)
	now := time.Date(2025, 3, 10, 20, 0, 0, 0, loc)

	fire := Resolve(models.Bedtime{Hour: 22, Minute: 30}, now)

	assert.Equal(t, loc, fire.Bath.Location())
	assert.Equal(t, time.Date(2025, 3, 10, 21, 0, 0, 0, loc), fire.Bath)
}
