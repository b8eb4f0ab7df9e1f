package tconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/docwilco/tachtalk/internal/shiftlight"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRejectsTimeoutOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Obd2.TimeoutMS = 5000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of obd2_timeout_ms > 4500, got nil error")
	}
}

func TestValidateRejectsEmptyThresholds(t *testing.T) {
	cfg := Default()
	cfg.Thresholds = nil
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of empty thresholds")
	}
}

func TestValidateRejectsOutOfRangeLED(t *testing.T) {
	cfg := Default()
	cfg.Thresholds = []shiftlight.Threshold{{Name: "bad", StartLED: 99, EndLED: 99}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of out-of-range LED index")
	}
}

func TestValidateRejectsSerialWithoutPort(t *testing.T) {
	cfg := Default()
	cfg.Obd2.Transport = "serial"
	cfg.Obd2.SerialPort = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of serial transport with empty port")
	}
}

func TestLoadUpdatePersistAndReload(t *testing.T) {
	dir := t.TempDir()

	store, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := store.Snapshot()
	cfg.Persistence.Dir = dir
	if err := store.Update(cfg); err != nil {
		t.Fatalf("initial update: %v", err)
	}

	next := store.Snapshot()
	next.Led.Brightness = 200
	if err := store.Update(next); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, persistedFileName)); err != nil {
		t.Fatalf("expected persisted file, got %v", err)
	}

	reloaded, err := Load("")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	reloaded.current.Persistence.Dir = dir
	persisted, ok, err := reloaded.loadPersisted()
	if err != nil || !ok {
		t.Fatalf("expected persisted config to be found, ok=%v err=%v", ok, err)
	}
	if persisted.Led.Brightness != 200 {
		t.Fatalf("expected persisted brightness 200, got %d", persisted.Led.Brightness)
	}
}

func TestUpdateNotifiesSubscribers(t *testing.T) {
	store, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := store.Snapshot()
	cfg.Persistence.Dir = t.TempDir()
	sub := store.Subscribe()

	if err := store.Update(cfg); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case got := <-sub:
		if got.Persistence.Dir != cfg.Persistence.Dir {
			t.Fatalf("unexpected notified config: %+v", got)
		}
	default:
		t.Fatal("expected a notification on the subscriber channel")
	}
}

func TestUpdateRejectsInvalidConfig(t *testing.T) {
	store, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	bad := store.Snapshot()
	bad.Thresholds = nil
	if err := store.Update(bad); err == nil {
		t.Fatal("expected Update to reject invalid config")
	}
}
