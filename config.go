package fortress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Duration decodes either a Go duration string ("15m") or a number of
// seconds from JSON config files.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value %v", raw)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type FingerprintConfig struct {
	MinSources  int      `json:"minSources"`
	MinRequests int      `json:"minRequests"`
	WindowTTL   Duration `json:"windowTTL"`
}

type CorrelatorConfig struct {
	MinSources  int `json:"minSources"`
	MinRequests int `json:"minRequests"`
}

type RampConfig struct {
	MinSamples          int      `json:"minSamples"`
	ConsecutiveRequired int      `json:"consecutiveRequired"`
	MinSlope            float64  `json:"minSlope"`
	TickInterval        Duration `json:"tickInterval"`
}

type DeadManConfig struct {
	LivenessWindow Duration `json:"livenessWindow"`
	ScanInterval   Duration `json:"scanInterval"`
}

type IncidentConfig struct {
	AutoBlockIP bool   `json:"autoBlockIP"`
	ArchiveDSN  string `json:"archiveDSN"`
}

type AlertConfig struct {
	KeyPath     string `json:"keyPath"`
	KeystoreDSN string `json:"keystoreDSN"`
}

type Config struct {
	LogLevel    string            `json:"logLevel"`
	EventBuffer int               `json:"eventBuffer"`
	SweepEvery  Duration          `json:"sweepEvery"`
	Fingerprint FingerprintConfig `json:"fingerprint"`
	Correlator  CorrelatorConfig  `json:"correlator"`
	Ramp        RampConfig        `json:"ramp"`
	DeadMan     DeadManConfig     `json:"deadman"`
	Incidents   IncidentConfig    `json:"incidents"`
	Alerts      AlertConfig       `json:"alerts"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		EventBuffer: 256,
		SweepEvery:  Duration(time.Minute),
		Fingerprint: FingerprintConfig{
			MinSources:  5,
			MinRequests: 10,
			WindowTTL:   Duration(time.Hour),
		},
		Correlator: CorrelatorConfig{
			MinSources:  10,
			MinRequests: 50,
		},
		Ramp: RampConfig{
			MinSamples:          100,
			ConsecutiveRequired: 3,
			MinSlope:            0.1,
			TickInterval:        Duration(time.Second),
		},
		DeadMan: DeadManConfig{
			LivenessWindow: Duration(24 * time.Hour),
			ScanInterval:   Duration(30 * time.Second),
		},
		Incidents: IncidentConfig{
			AutoBlockIP: true,
		},
		Alerts: AlertConfig{
			KeyPath: "fortress.key",
		},
	}
}

// LoadConfig reads the JSON config file at path over the defaults. An empty
// path yields the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if len(data) > 1024*1024 {
		return cfg, fmt.Errorf("config file %s is too large", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Fingerprint.MinSources <= 0 || c.Fingerprint.MinRequests <= 0 {
		return fmt.Errorf("%w: fingerprint thresholds must be positive", ErrInvalidParameters)
	}
	if c.Fingerprint.WindowTTL <= 0 {
		return fmt.Errorf("%w: fingerprint windowTTL must be positive", ErrInvalidParameters)
	}
	if c.Correlator.MinSources <= 1 {
		return fmt.Errorf("%w: correlator minSources must exceed 1", ErrInvalidParameters)
	}
	if c.Correlator.MinRequests <= 0 {
		return fmt.Errorf("%w: correlator minRequests must be positive", ErrInvalidParameters)
	}
	if c.Ramp.MinSamples <= 0 || c.Ramp.ConsecutiveRequired <= 0 {
		return fmt.Errorf("%w: ramp thresholds must be positive", ErrInvalidParameters)
	}
	if c.Ramp.MinSlope < 0 {
		return fmt.Errorf("%w: ramp minSlope must not be negative", ErrInvalidParameters)
	}
	if c.DeadMan.LivenessWindow <= 0 {
		return fmt.Errorf("%w: deadman livenessWindow must be positive", ErrInvalidParameters)
	}
	return nil
}

// WatchConfig reloads the config file on write and hands each valid result to
// onReload. Invalid or unreadable rewrites are logged and skipped; the
// previous config stays in effect. The returned function stops the watcher
// and is safe to call more than once.
func WatchConfig(path string, logger *logrus.Logger, onReload func(Config)) (func(), error) {
	logger = ensureLogger(logger)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.WithError(err).Warn("config reload skipped")
					continue
				}
				logger.WithField("path", path).Info("config reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			watcher.Close()
		})
	}, nil
}
