package store

import (
	"path/filepath"
	"testing"
	"time"

	"glasseshub/hub"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "glasseshub.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLoadSettingsMissingUserReturnsZeroValue(t *testing.T) {
	st := openTestStore(t)

	snap, err := st.LoadSettings("nobody")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if snap.DefaultWearable != "" || snap.MetricSystemEnabled {
		t.Fatalf("expected zero-value settings for missing user, got %+v", snap)
	}
	if snap.Extra == nil {
		t.Fatal("expected a non-nil Extra map for missing user")
	}
}

func TestSaveAndLoadSettingsRoundTrip(t *testing.T) {
	st := openTestStore(t)

	in := hub.UserSettingsSnapshot{
		DefaultWearable:     "Vuzix Blade",
		MetricSystemEnabled: true,
		Extra:               map[string]any{"locale": "en-US"},
	}
	if err := st.SaveSettings("alice", in); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	got, err := st.LoadSettings("alice")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if got.DefaultWearable != in.DefaultWearable || got.MetricSystemEnabled != in.MetricSystemEnabled {
		t.Fatalf("unexpected settings: %+v", got)
	}
	if got.Extra["locale"] != "en-US" {
		t.Fatalf("expected Extra.locale preserved, got %+v", got.Extra)
	}
}

func TestSaveSettingsUpsertsOnConflict(t *testing.T) {
	st := openTestStore(t)

	_ = st.SaveSettings("alice", hub.UserSettingsSnapshot{DefaultWearable: "Vuzix Blade"})
	_ = st.SaveSettings("alice", hub.UserSettingsSnapshot{DefaultWearable: "Even Realities G1", MetricSystemEnabled: true})

	got, err := st.LoadSettings("alice")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if got.DefaultWearable != "Even Realities G1" || !got.MetricSystemEnabled {
		t.Fatalf("expected the second save to overwrite the first, got %+v", got)
	}
}

func TestSaveRunningAppsReplacesPreviousSet(t *testing.T) {
	st := openTestStore(t)

	if err := st.SaveRunningApps("alice", []string{"com.example.a", "com.example.b"}); err != nil {
		t.Fatalf("save running apps: %v", err)
	}
	if err := st.SaveRunningApps("alice", []string{"com.example.c"}); err != nil {
		t.Fatalf("save running apps again: %v", err)
	}

	got, err := st.LoadRunningApps("alice")
	if err != nil {
		t.Fatalf("load running apps: %v", err)
	}
	if len(got) != 1 || got[0] != "com.example.c" {
		t.Fatalf("expected running apps replaced with [com.example.c], got %v", got)
	}
}

func TestLoadLastLocationMissingUserReturnsNotFound(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.LoadLastLocation("nobody")
	if err != nil {
		t.Fatalf("load last location: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a user with no recorded location")
	}
}

func TestSaveAndLoadLastLocationRoundTrip(t *testing.T) {
	st := openTestStore(t)

	in := hub.NormalizedLocation{
		Lat: 37.7749, Lng: -122.4194, Accuracy: 12.5, HasAcc: true,
		Timestamp: time.UnixMilli(1_700_000_000_000).UTC(),
	}
	if err := st.SaveLastLocation("alice", in); err != nil {
		t.Fatalf("save last location: %v", err)
	}

	got, ok, err := st.LoadLastLocation("alice")
	if err != nil {
		t.Fatalf("load last location: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after saving a location")
	}
	if got.Lat != in.Lat || got.Lng != in.Lng || got.Accuracy != in.Accuracy || got.HasAcc != in.HasAcc {
		t.Fatalf("unexpected location: %+v", got)
	}
	if !got.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("expected timestamp=%s got=%s", in.Timestamp, got.Timestamp)
	}
}

func TestSaveLastLocationUpsertsOnConflict(t *testing.T) {
	st := openTestStore(t)

	_ = st.SaveLastLocation("alice", hub.NormalizedLocation{Lat: 1, Lng: 1, Timestamp: time.UnixMilli(1000)})
	_ = st.SaveLastLocation("alice", hub.NormalizedLocation{Lat: 2, Lng: 2, Timestamp: time.UnixMilli(2000)})

	got, ok, err := st.LoadLastLocation("alice")
	if err != nil || !ok {
		t.Fatalf("load last location: ok=%v err=%v", ok, err)
	}
	if got.Lat != 2 || got.Lng != 2 {
		t.Fatalf("expected the second save to overwrite the first, got %+v", got)
	}
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "glasseshub.db")

	st1, err := New(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := st1.SaveSettings("alice", hub.UserSettingsSnapshot{DefaultWearable: "Vuzix Blade"}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = st2.Close() })

	got, err := st2.LoadSettings("alice")
	if err != nil {
		t.Fatalf("load settings after reopen: %v", err)
	}
	if got.DefaultWearable != "Vuzix Blade" {
		t.Fatalf("expected data to survive reopen/migration replay, got %+v", got)
	}
}
