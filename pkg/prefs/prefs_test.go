package prefs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStore_LoadMissing(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "nope", "prefs.yaml"))
	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.CaptureDevice != "" {
		t.Errorf("expected zero preferences, got %+v", p)
	}
}

func TestStore_SaveAndUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taara", "prefs.yaml")
	s := Open(path)

	if err := s.Save(Preferences{CaptureDevice: "usb-mic"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "capture_device: usb-mic") {
		t.Errorf("unexpected file contents:\n%s", data)
	}

	if err := s.Update(func(p *Preferences) { p.Agent = "taara" }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	p, _ := s.Load()
	if p.CaptureDevice != "usb-mic" || p.Agent != "taara" {
		t.Errorf("unexpected preferences: %+v", p)
	}
}

func TestStore_LoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	_ = os.WriteFile(path, []byte("capture_device: [unterminated"), 0o600)
	if _, err := Open(path).Load(); err == nil {
		t.Error("expected parse error")
	}
}
