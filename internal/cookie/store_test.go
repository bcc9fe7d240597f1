package cookie

import (
	"testing"
	"time"
)

func sampleCookies() []Cookie {
	return []Cookie{
		{Name: "web_session", Value: "abc123", Domain: ".xiaohongshu.com", Path: "/"},
		{Name: "a1", Value: "xyz", Domain: ".xiaohongshu.com", Path: "/"},
	}
}

func TestSaveRejectsEmptySnapshot(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Save("xhs_test", nil); err == nil {
		t.Fatal("expected error saving empty snapshot")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	cookies := sampleCookies()

	if err := s.Save("xhs_test", cookies); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("xhs_test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !Equivalent(loaded, cookies) {
		t.Errorf("expected loaded cookies to equal saved cookies")
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore(t.TempDir())
	loaded, err := s.Load("nonexistent_profile")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty result, got %d cookies", len(loaded))
	}
}

func TestSaveIfStableDefersUntilStable(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Observe("xhs_test", sampleCookies())

	saved, reason := s.SaveIfStable("xhs_test", 50)
	if saved {
		t.Fatal("expected save to be deferred")
	}
	if reason == "" {
		t.Error("expected a reason for deferral")
	}

	time.Sleep(60 * time.Millisecond)
	saved, reason = s.SaveIfStable("xhs_test", 50)
	if !saved {
		t.Fatalf("expected save once stable, reason=%s", reason)
	}
}

func TestObserveResetsAgeOnChange(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Observe("xhs_test", sampleCookies())
	time.Sleep(30 * time.Millisecond)

	changed := append(sampleCookies(), Cookie{Name: "new_one", Value: "v"})
	s.Observe("xhs_test", changed)

	saved, _ := s.SaveIfStable("xhs_test", 50)
	if saved {
		t.Fatal("expected save to be deferred after the snapshot changed")
	}
}

func TestEquivalentIgnoresOrder(t *testing.T) {
	a := []Cookie{{Name: "x", Value: "1"}, {Name: "y", Value: "2"}}
	b := []Cookie{{Name: "y", Value: "2"}, {Name: "x", Value: "1"}}
	if !Equivalent(a, b) {
		t.Error("expected snapshots with reordered cookies to be equivalent")
	}
}

func TestAutosaveStartStopIsIdempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Observe("xhs_test", sampleCookies())

	s.AutosaveStart("xhs_test", 10, 10, nil)
	s.AutosaveStart("xhs_test", 10, 10, nil) // second call is a no-op

	time.Sleep(40 * time.Millisecond)
	s.AutosaveStop("xhs_test")
	s.AutosaveStop("xhs_test") // idempotent

	loaded, err := s.Load("xhs_test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) == 0 {
		t.Error("expected autosave to have written cookies")
	}
}

func TestAutosaveSamplesBrowserSnapshot(t *testing.T) {
	s := NewStore(t.TempDir())

	// no Observe call here: the sampler is the only source
	s.AutosaveStart("xhs_test", 10, 10, func() ([]Cookie, error) {
		return sampleCookies(), nil
	})
	defer s.AutosaveStop("xhs_test")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if loaded, _ := s.Load("xhs_test"); len(loaded) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("autosave never persisted the sampled snapshot")
}
