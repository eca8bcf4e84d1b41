package nvstore

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestStoreRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.SetUint16("gw_tenure", 3); err != nil {
		t.Fatalf("SetUint16() error = %v", err)
	}
	if err := s.SetInt("ftm_offset_cm", -12); err != nil {
		t.Fatalf("SetInt() error = %v", err)
	}

	// Simulated reboot: reopen from disk.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if got := s2.GetUint16("gw_tenure", 0); got != 3 {
		t.Errorf("gw_tenure = %d, want 3", got)
	}
	if got := s2.GetInt("ftm_offset_cm", 0); got != -12 {
		t.Errorf("ftm_offset_cm = %d, want -12", got)
	}
	if got := s2.GetUint16("missing", 7); got != 7 {
		t.Errorf("default = %d, want 7", got)
	}
}

func TestStoreValidatorAndNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	s.SetValidator(func(key, value string) (string, error) {
		if key == "locked" {
			return "", fmt.Errorf("read-only key")
		}
		if key == "clamped" && value == "99" {
			return "10", nil
		}
		return value, nil
	})

	var notified []string
	s.Subscribe(func(key, value string) {
		notified = append(notified, key+"="+value)
	})

	if err := s.SetString("locked", "x"); err == nil {
		t.Errorf("validator did not reject write")
	}
	if err := s.SetString("clamped", "99"); err != nil {
		t.Fatalf("SetString() error = %v", err)
	}
	if got := s.GetString("clamped", ""); got != "10" {
		t.Errorf("validator override = %q, want %q", got, "10")
	}

	// Writing the same value again must not notify.
	if err := s.SetString("clamped", "10"); err != nil {
		t.Fatalf("SetString() error = %v", err)
	}
	if len(notified) != 1 || notified[0] != "clamped=10" {
		t.Errorf("notifications = %v, want exactly [clamped=10]", notified)
	}
}
