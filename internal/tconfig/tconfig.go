// Package tconfig implements the configuration store (C5): load,
// validate, persist, and broadcast changes to the running configuration.
package tconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docwilco/tachtalk/internal/shiftlight"
	"gopkg.in/yaml.v3"
)

// schemaVersion is persisted alongside the config blob so a future
// firmware (or this binary) can migrate older saved state, per spec §6.
const schemaVersion = 1

// WifiConfig holds the station-mode credentials the device associates
// to, and the fallback AP it advertises when association fails.
type WifiConfig struct {
	SSID       string `json:"ssid" yaml:"ssid"`
	Password   string `json:"password" yaml:"password"`
	APIP       string `json:"ap_ip" yaml:"ap_ip"`
	APPrefixLen int    `json:"ap_prefix_len" yaml:"ap_prefix_len"`
}

// Obd2Config holds the upstream adapter's connection parameters. The
// Transport field is a supplemented addition (spec's expansion, §3):
// the original device only ever spoke TCP to a Wi-Fi dongle, but a
// complete implementation also supports directly-attached serial ones.
type Obd2Config struct {
	Transport     string `json:"transport" yaml:"transport"` // "tcp" | "serial"
	DongleIP      string `json:"dongle_ip" yaml:"dongle_ip"`
	DonglePort    int    `json:"dongle_port" yaml:"dongle_port"`
	SerialPort    string `json:"serial_port" yaml:"serial_port"`
	SerialBaud    int    `json:"serial_baud" yaml:"serial_baud"`
	TimeoutMS     int    `json:"obd2_timeout_ms" yaml:"obd2_timeout_ms"`
	PollIntervalMS int   `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	HeadersOn     bool   `json:"headers_on" yaml:"headers_on"`
}

// LedConfig holds the shift-light strip's physical parameters.
type LedConfig struct {
	TotalLEDs  int    `json:"total_leds" yaml:"total_leds"`
	Brightness uint8  `json:"brightness" yaml:"brightness"`
	GPIOPin    int    `json:"gpio_pin" yaml:"gpio_pin"`
}

// PersistenceConfig generalizes NVS flash storage into a plain local
// file, since this runs as a standard Go service rather than firmware.
type PersistenceConfig struct {
	Dir string `json:"-" yaml:"dir"`
}

// Config is the full runtime configuration, matching spec §3's data
// model plus the expansion's additional fields.
type Config struct {
	Wifi        WifiConfig            `json:"wifi" yaml:"wifi"`
	Obd2        Obd2Config            `json:"obd2" yaml:"obd2"`
	Led         LedConfig             `json:"led" yaml:"led"`
	Thresholds  []shiftlight.Threshold `json:"thresholds" yaml:"thresholds"`
	LogLevel    string                `json:"log_level" yaml:"log_level"`
	Persistence PersistenceConfig     `json:"-" yaml:"persistence"`
}

// Default returns the firmware's documented default configuration, per
// spec §6.
func Default() Config {
	return Config{
		Wifi: WifiConfig{APIP: "192.168.4.1", APPrefixLen: 24},
		Obd2: Obd2Config{
			Transport:      "tcp",
			DonglePort:     35000,
			TimeoutMS:      2000,
			PollIntervalMS: 100,
			HeadersOn:      false,
		},
		Led: LedConfig{TotalLEDs: 16, Brightness: 128, GPIOPin: 4},
		Thresholds: []shiftlight.Threshold{
			{Name: "Green", RPMMin: 0, StartLED: 0, EndLED: 5, Color: shiftlight.RGB{G: 255}},
			{Name: "Yellow", RPMMin: 4500, StartLED: 6, EndLED: 10, Color: shiftlight.RGB{R: 255, G: 255}},
			{Name: "Red", RPMMin: 5800, StartLED: 11, EndLED: 14, Color: shiftlight.RGB{R: 255}},
			{Name: "Shift", RPMMin: 6500, StartLED: 15, EndLED: 15, Color: shiftlight.RGB{B: 255}, Blink: true, BlinkMS: 200},
		},
		LogLevel:    "info",
		Persistence: PersistenceConfig{Dir: "./tachtalk-data"},
	}
}

// persistedFileName is the single state blob's name under the
// persistence directory, matching spec §6's "single key" description.
const persistedFileName = "config.json"

type persistedEnvelope struct {
	SchemaVersion int    `json:"schema_version"`
	Config        Config `json:"config"`
}

// Store owns the live configuration, serializes updates, persists them,
// and notifies subscribers, per spec §5's single-writer requirement.
type Store struct {
	mu       sync.Mutex
	current  Config
	watchers []chan Config
}

// Load builds a Store, optionally seeded from a YAML bootstrap file
// (first run / factory provisioning) and then from any previously
// persisted JSON state, which takes precedence.
func Load(bootstrapYAMLPath string) (*Store, error) {
	cfg := Default()

	if bootstrapYAMLPath != "" {
		if data, err := os.ReadFile(bootstrapYAMLPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse bootstrap config %s: %w", bootstrapYAMLPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read bootstrap config %s: %w", bootstrapYAMLPath, err)
		}
	}

	s := &Store{current: cfg}

	if persisted, ok, err := s.loadPersisted(); err != nil {
		return nil, err
	} else if ok {
		if err := Validate(persisted); err != nil {
			return nil, fmt.Errorf("persisted config failed validation: %w", err)
		}
		s.current = persisted
	} else if err := Validate(s.current); err != nil {
		return nil, fmt.Errorf("bootstrap config failed validation: %w", err)
	}

	return s, nil
}

func (s *Store) loadPersisted() (Config, bool, error) {
	path := filepath.Join(s.current.Persistence.Dir, persistedFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, fmt.Errorf("read persisted config: %w", err)
	}
	var env persistedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Config{}, false, fmt.Errorf("parse persisted config: %w", err)
	}
	env.Config.Persistence = s.current.Persistence
	return env.Config, true, nil
}

// Snapshot returns a copy of the current configuration. Threshold
// slices are copied so callers cannot mutate shared state.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.current
	cp.Thresholds = append([]shiftlight.Threshold(nil), s.current.Thresholds...)
	return cp
}

// Subscribe returns a channel that receives every subsequent committed
// configuration, per spec §5's change-notification requirement
// (tachtalkd's config watcher subscribes to re-bake C1's LED plan; C3's
// headers policy reads Snapshot instead). The channel has a
// small buffer and drops the oldest pending value on overflow, since
// only the latest configuration ever matters to a subscriber.
func (s *Store) Subscribe() <-chan Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Config, 1)
	s.watchers = append(s.watchers, ch)
	return ch
}

// Update validates and commits a full replacement configuration (spec
// §4.5 / §9 decision: full-document replace, not JSON-merge-patch, for
// POST /api/config), persists it, and notifies subscribers. A next with
// an empty Persistence.Dir (as decoded from JSON) keeps the current
// persistence settings.
func (s *Store) Update(next Config) error {
	if err := Validate(next); err != nil {
		return err
	}

	s.mu.Lock()
	if next.Persistence.Dir == "" {
		next.Persistence = s.current.Persistence
	}
	s.current = next
	watchers := append([]chan Config(nil), s.watchers...)
	s.mu.Unlock()

	if err := s.persist(next); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}

	for _, w := range watchers {
		select {
		case w <- next:
		default:
			select {
			case <-w:
			default:
			}
			w <- next
		}
	}
	return nil
}

func (s *Store) persist(cfg Config) error {
	if err := os.MkdirAll(cfg.Persistence.Dir, 0o755); err != nil {
		return err
	}
	env := persistedEnvelope{SchemaVersion: schemaVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.Persistence.Dir, persistedFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate enforces spec §4.5/§7's invariants. Unlike the base firmware
// this is modeled on, obd2_timeout_ms is rejected rather than silently
// clamped when out of range (spec's explicit deviation, documented in
// the design ledger).
func Validate(cfg Config) error {
	if len(cfg.Thresholds) == 0 {
		return fmt.Errorf("thresholds: must not be empty")
	}
	if cfg.Led.TotalLEDs <= 0 {
		return fmt.Errorf("led.total_leds: must be positive")
	}
	for _, th := range cfg.Thresholds {
		if th.StartLED < 0 || th.StartLED >= cfg.Led.TotalLEDs {
			return fmt.Errorf("threshold %q: start_led %d out of range [0,%d)", th.Name, th.StartLED, cfg.Led.TotalLEDs)
		}
		if th.EndLED < 0 || th.EndLED >= cfg.Led.TotalLEDs {
			return fmt.Errorf("threshold %q: end_led %d out of range [0,%d)", th.Name, th.EndLED, cfg.Led.TotalLEDs)
		}
	}
	if cfg.Obd2.TimeoutMS <= 0 || cfg.Obd2.TimeoutMS > 4500 {
		return fmt.Errorf("obd2.obd2_timeout_ms: %d out of range (0,4500]", cfg.Obd2.TimeoutMS)
	}
	if cfg.Obd2.Transport != "tcp" && cfg.Obd2.Transport != "serial" {
		return fmt.Errorf("obd2.transport: must be \"tcp\" or \"serial\", got %q", cfg.Obd2.Transport)
	}
	if cfg.Obd2.Transport == "tcp" {
		if cfg.Obd2.DonglePort <= 0 || cfg.Obd2.DonglePort > 65535 {
			return fmt.Errorf("obd2.dongle_port: %d out of range (0,65535]", cfg.Obd2.DonglePort)
		}
	} else if cfg.Obd2.SerialPort == "" {
		return fmt.Errorf("obd2.serial_port: must not be empty when transport is serial")
	}
	return nil
}
