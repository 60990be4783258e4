package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/sleepchecker/internal/models"
	"github.com/tariel-x/sleepchecker/internal/reminders"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(endpoint string, registered time.Time, bath, prep time.Time) models.PersistedSubscription {
	return models.PersistedSubscription{
		Subscription: models.Subscription{
			Endpoint: endpoint,
			Target: models.DeliveryTarget{
				Endpoint: endpoint,
				Keys:     models.PushKeys{P256DH: "key-" + endpoint, Auth: "auth-" + endpoint},
			},
			Bedtime:      models.Bedtime{Hour: 22, Minute: 30},
			RegisteredAt: registered,
		},
		FireTimes: models.FireTimes{Bath: bath, Prep: prep},
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, record("https://push.example.com/b", base.Add(time.Minute), base.Add(time.Hour), base.Add(2*time.Hour))))
	require.NoError(t, s.Save(ctx, record("https://push.example.com/a", base, time.Time{}, base.Add(2*time.Hour))))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "https://push.example.com/a", got[0].Endpoint)
	assert.True(t, got[0].FireTimes.Bath.IsZero())
	assert.True(t, got[0].FireTimes.Prep.Equal(base.Add(2*time.Hour)))
	assert.Equal(t, models.Bedtime{Hour: 22, Minute: 30}, got[0].Bedtime)
	assert.Equal(t, "auth-https://push.example.com/a", got[0].Target.Keys.Auth)
	assert.Equal(t, got[0].Endpoint, got[0].Target.Endpoint)

	assert.True(t, got[1].RegisteredAt.Equal(base.Add(time.Minute)))
	assert.True(t, got[1].FireTimes.Bath.Equal(base.Add(time.Hour)))
}

func TestSaveReplacesExistingEndpoint(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, record("e1", base, base.Add(time.Hour), base.Add(2*time.Hour))))

	replacement := record("e1", base.Add(time.Minute), time.Time{}, time.Time{})
	replacement.Bedtime = models.Bedtime{Hour: 6}
	replacement.Target.Keys.Auth = "rotated"
	require.NoError(t, s.Save(ctx, replacement))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.Bedtime{Hour: 6}, got[0].Bedtime)
	assert.Equal(t, "rotated", got[0].Target.Keys.Auth)
	assert.True(t, got[0].FireTimes.Bath.IsZero())
	assert.True(t, got[0].FireTimes.Prep.IsZero())
}

func TestMarkFiredClearsOneInstant(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, record("e1", base, base.Add(time.Hour), base.Add(2*time.Hour))))
	require.NoError(t, s.MarkFired(ctx, "e1", models.ReminderBath))
	require.NoError(t, s.MarkFired(ctx, "missing", models.ReminderPrep))
	assert.Error(t, s.MarkFired(ctx, "e1", models.ReminderTest))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].FireTimes.Bath.IsZero())
	assert.True(t, got[0].FireTimes.Prep.Equal(base.Add(2*time.Hour)))
}

func TestDelete(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, record("e1", base, time.Time{}, time.Time{})))
	require.NoError(t, s.Delete(ctx, "e1"))
	require.NoError(t, s.Delete(ctx, "e1"))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, s.Ping(ctx))
}

func TestLoadSkipsUnreadableRows(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

	for i, endpoint := range []string{"good1", "bad", "good2"} {
		require.NoError(t, s.Save(ctx, record(endpoint, base.Add(time.Duration(i)*time.Minute), base.Add(time.Hour), base.Add(2*time.Hour))))
	}
	require.NoError(t, s.db.Model(&SubscriptionRecord{}).Where("endpoint = ?", "bad").Update("bedtime", "99:99").Error)

	got, err := s.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid bedtime")
	require.Len(t, got, 2)
	assert.Equal(t, "good1", got[0].Endpoint)
	assert.Equal(t, "good2", got[1].Endpoint)
}

func TestRestoreSurvivesUnreadableRow(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, endpoint := range []string{"good1", "bad", "good2"} {
		require.NoError(t, s.Save(ctx, record(endpoint, now.Add(time.Duration(i)*time.Minute), now.Add(time.Hour), now.Add(2*time.Hour))))
	}
	require.NoError(t, s.db.Model(&SubscriptionRecord{}).Where("endpoint = ?", "bad").Update("bedtime", "99:99").Error)

	svc := reminders.New(reminders.Config{
		Store:    s,
		Location: time.UTC,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(svc.Shutdown)

	n, err := svc.Restore(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, svc.List(), 2)
	assert.Len(t, svc.Pending("good1"), 2)
	assert.Len(t, svc.Pending("good2"), 2)
}
