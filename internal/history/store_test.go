package history

import (
	"context"
	"reflect"
	"testing"
)

func entry(url, deviceID string, visitTime int64, title string) Entry {
	return Entry{URL: url, Title: title, VisitTime: visitTime, DeviceID: deviceID}
}

func listOf(t *testing.T, s Store) []Entry {
	t.Helper()
	entries, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return entries
}

func TestMergeLaterVisitWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := entry("https://example.com", "dev-a", 100, "Old Title")
	updated := entry("https://example.com", "dev-a", 200, "New Title")

	if _, err := store.Merge(ctx, []Entry{old, updated}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	entries := listOf(t, store)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Title != "New Title" || entries[0].VisitTime != 200 {
		t.Errorf("merge kept %+v, want the visitTime=200 record", entries[0])
	}
}

func TestMergeIsCommutative(t *testing.T) {
	ctx := context.Background()
	batchA := []Entry{
		entry("https://a.test", "dev-1", 50, "a"),
		entry("https://b.test", "dev-1", 200, "b-new"),
	}
	batchB := []Entry{
		entry("https://b.test", "dev-1", 100, "b-old"),
		entry("https://c.test", "dev-2", 75, "c"),
	}

	ab := NewMemoryStore()
	ab.Merge(ctx, batchA)
	ab.Merge(ctx, batchB)

	ba := NewMemoryStore()
	ba.Merge(ctx, batchB)
	ba.Merge(ctx, batchA)

	if got, want := listOf(t, ab), listOf(t, ba); !reflect.DeepEqual(got, want) {
		t.Errorf("merge order changed the result:\n A,B: %+v\n B,A: %+v", got, want)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	batch := []Entry{
		entry("https://a.test", "dev-1", 50, "a"),
		entry("https://b.test", "dev-2", 60, "b"),
	}

	applied, err := store.Merge(ctx, batch)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("first merge applied %d entries, want 2", len(applied))
	}
	before := listOf(t, store)

	applied, err = store.Merge(ctx, batch)
	if err != nil {
		t.Fatalf("second Merge failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("replayed merge applied %d entries, want 0", len(applied))
	}
	if after := listOf(t, store); !reflect.DeepEqual(before, after) {
		t.Errorf("replayed merge changed state:\n before: %+v\n after:  %+v", before, after)
	}
}

func TestMergeTieBreaksOnDeviceID(t *testing.T) {
	ctx := context.Background()
	a := entry("https://x.test", "dev-a", 100, "from a")
	b := a
	b.Title = "from b"

	// Same key, same visitTime: the later arrival must not win just by
	// arriving later.
	first := NewMemoryStore()
	first.Merge(ctx, []Entry{a})
	if applied, _ := first.Merge(ctx, []Entry{b}); len(applied) != 0 {
		t.Errorf("equal-time duplicate overwrote the stored entry")
	}
}

func TestMergeReturnsOnlyChanged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Append(ctx, entry("https://a.test", "dev-1", 100, "a"))

	applied, err := store.Merge(ctx, []Entry{
		entry("https://a.test", "dev-1", 50, "stale"),
		entry("https://b.test", "dev-1", 10, "fresh"),
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(applied) != 1 || applied[0].URL != "https://b.test" {
		t.Errorf("applied = %+v, want only the b.test entry", applied)
	}
}

func TestApplyDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Append(ctx, entry("https://a.test", "dev-1", 100, "a"))

	changed, err := store.ApplyDelete(ctx, Tombstone{URL: "https://a.test", DeviceID: "dev-1", Timestamp: 150})
	if err != nil {
		t.Fatalf("ApplyDelete failed: %v", err)
	}
	if !changed {
		t.Error("delete of an existing entry reported no change")
	}
	if entries := listOf(t, store); len(entries) != 0 {
		t.Errorf("entry survived its tombstone: %+v", entries)
	}
}

func TestApplyDeleteLosesToNewerVisit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Append(ctx, entry("https://a.test", "dev-1", 200, "a"))

	changed, err := store.ApplyDelete(ctx, Tombstone{URL: "https://a.test", DeviceID: "dev-1", Timestamp: 150})
	if err != nil {
		t.Fatalf("ApplyDelete failed: %v", err)
	}
	if changed {
		t.Error("stale delete reported a change")
	}
	if entries := listOf(t, store); len(entries) != 1 {
		t.Errorf("newer visit removed by an older tombstone: %+v", entries)
	}
}

func TestTombstoneBlocksStaleResurrection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.ApplyDelete(ctx, Tombstone{URL: "https://a.test", DeviceID: "dev-1", Timestamp: 150})

	// A peer replaying the pre-delete entry must not bring it back.
	applied, _ := store.Merge(ctx, []Entry{entry("https://a.test", "dev-1", 100, "a")})
	if len(applied) != 0 {
		t.Error("tombstoned entry resurrected by a stale replay")
	}
	if entries := listOf(t, store); len(entries) != 0 {
		t.Errorf("store holds %+v after stale replay, want empty", entries)
	}
}

func TestStrictlyNewerVisitResurrects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.ApplyDelete(ctx, Tombstone{URL: "https://a.test", DeviceID: "dev-1", Timestamp: 150})

	applied, _ := store.Merge(ctx, []Entry{entry("https://a.test", "dev-1", 151, "revisited")})
	if len(applied) != 1 {
		t.Fatal("visit after the delete did not resurrect the url")
	}
	entries := listOf(t, store)
	if len(entries) != 1 || entries[0].Title != "revisited" {
		t.Errorf("store = %+v, want the revisited entry", entries)
	}
}

func TestDeleteReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tomb := Tombstone{URL: "https://a.test", DeviceID: "dev-1", Timestamp: 150}

	if changed, _ := store.ApplyDelete(ctx, tomb); !changed {
		t.Fatal("first delete reported no change")
	}
	if changed, _ := store.ApplyDelete(ctx, tomb); changed {
		t.Error("replayed delete reported a change")
	}
}

func TestMarkSyncedAndUnsynced(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := entry("https://a.test", "dev-1", 100, "a")
	b := entry("https://b.test", "dev-1", 110, "b")
	store.Append(ctx, a)
	store.Append(ctx, b)

	if err := store.MarkSynced(ctx, []string{a.Key()}); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	unsynced := store.Unsynced()
	if len(unsynced) != 1 || unsynced[0].URL != b.URL {
		t.Errorf("Unsynced = %+v, want only %s", unsynced, b.URL)
	}
}

func TestListSortedByVisitTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Append(ctx, entry("https://late.test", "dev-1", 300, "late"))
	store.Append(ctx, entry("https://early.test", "dev-1", 100, "early"))
	store.Append(ctx, entry("https://mid.test", "dev-1", 200, "mid"))

	entries := listOf(t, store)
	for i := 1; i < len(entries); i++ {
		if entries[i-1].VisitTime > entries[i].VisitTime {
			t.Fatalf("List not sorted by visitTime: %+v", entries)
		}
	}
}
