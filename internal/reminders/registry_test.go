package reminders

import (
	"testing"
	"time"

	"github.com/tariel-x/sleepchecker/internal/models"
)

func TestUpsertReplacesWithoutMerge(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_000_000, 0)

	first := reg.Upsert("e1", target("e1"), models.Bedtime{Hour: 23}, base)
	second := reg.Upsert("e1", models.DeliveryTarget{Keys: models.PushKeys{P256DH: "new"}}, models.Bedtime{Hour: 6}, base.Add(time.Minute))

	if reg.Len() != 1 {
		t.Fatalf("expected one entry per endpoint, got %d", reg.Len())
	}
	if second.Revision <= first.Revision {
		t.Fatalf("expected revision to grow, got %d then %d", first.Revision, second.Revision)
	}

	got, ok := reg.Get("e1")
	if !ok {
		t.Fatalf("expected e1 to be registered")
	}
	if got.Bedtime.Hour != 6 || !got.RegisteredAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected the replacement entry, got %+v", got)
	}
	if got.Target.Keys.Auth != "" {
		t.Fatalf("expected fields not to be merged, got auth %q", got.Target.Keys.Auth)
	}
	if got.Target.Endpoint != "e1" {
		t.Fatalf("expected target endpoint to follow the key, got %q", got.Target.Endpoint)
	}
}

func TestRemoveReportsExistence(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("e1", target("e1"), models.Bedtime{Hour: 22}, time.Unix(1_700_100_000, 0))

	if !reg.Remove("e1") {
		t.Fatalf("expected first remove to report an existing entry")
	}
	if reg.Remove("e1") {
		t.Fatalf("expected second remove to report nothing removed")
	}
	if _, ok := reg.Get("e1"); ok {
		t.Fatalf("expected e1 to be gone")
	}
}

func TestRemoveRevisionKeepsReplacement(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_200_000, 0)

	old := reg.Upsert("e1", target("e1"), models.Bedtime{Hour: 22}, base)
	reg.Upsert("e1", target("e1"), models.Bedtime{Hour: 23}, base.Add(time.Second))

	if reg.RemoveRevision("e1", old.Revision) {
		t.Fatalf("expected stale revision not to remove the replacement")
	}
	current, _ := reg.Get("e1")
	if !reg.RemoveRevision("e1", current.Revision) {
		t.Fatalf("expected current revision to be removed")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestListIsOrderedSnapshot(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_300_000, 0)

	reg.Upsert("late", target("late"), models.Bedtime{Hour: 1}, base.Add(2*time.Second))
	reg.Upsert("early", target("early"), models.Bedtime{Hour: 2}, base)
	reg.Upsert("middle", target("middle"), models.Bedtime{Hour: 3}, base.Add(time.Second))

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	want := []string{"early", "middle", "late"}
	for i, info := range list {
		if info.Endpoint != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], info.Endpoint)
		}
	}

	list[0].Endpoint = "mutated"
	if _, ok := reg.Get("early"); !ok {
		t.Fatalf("mutating the listing must not touch the registry")
	}
}
