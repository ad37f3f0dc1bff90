package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/triage-station/internal/controller"
	"github.com/danielpatrickdp/triage-station/internal/triage"
)

// #region types

// MCUConfig describes the MCU channel.
type MCUConfig struct {
	// Address is "host:port" for a TCP bridge or a device path for serial.
	Address          string        `yaml:"address"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
}

// ClassifierConfig describes the inference sidecar.
type ClassifierConfig struct {
	// URL empty means simulation mode.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebConfig describes the HTTP surface.
type WebConfig struct {
	Listen       string        `yaml:"listen"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// Config is the full station configuration.
type Config struct {
	MCU         MCUConfig         `yaml:"mcu"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Web         WebConfig         `yaml:"web"`
	Examination controller.Config `yaml:"examination"`
	Triage      triage.Config     `yaml:"triage"`
	AuditDB     string            `yaml:"audit_db"`
}

// #endregion types

// #region defaults

// Default returns the shipped configuration.
func Default() Config {
	return Config{
		MCU: MCUConfig{
			Address:          "127.0.0.1:9600",
			HeartbeatTimeout: 10 * time.Second,
			MonitorInterval:  60 * time.Second,
		},
		Classifier: ClassifierConfig{
			URL:     "",
			Timeout: 30 * time.Second,
		},
		Web: WebConfig{
			Listen:       ":8080",
			PushInterval: 2 * time.Second,
		},
		Examination: controller.DefaultConfig(),
		Triage:      triage.DefaultConfig(),
		AuditDB:     "triage-station.db",
	}
}

// #endregion defaults

// #region load

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the station cannot run with.
func (c Config) Validate() error {
	if c.MCU.Address == "" {
		return fmt.Errorf("mcu.address must be set")
	}
	if c.Examination.Duration <= 0 {
		return fmt.Errorf("examination.duration must be positive")
	}
	if c.Examination.SampleRate <= 0 {
		return fmt.Errorf("examination.sample_rate must be positive")
	}
	if c.Triage.MediumThreshold <= 0 || c.Triage.HighThreshold <= c.Triage.MediumThreshold {
		return fmt.Errorf("triage thresholds must satisfy 0 < medium < high")
	}
	if c.Triage.WeightML <= 0 || c.Triage.WeightAudio < 0 || c.Triage.WeightVitals < 0 {
		return fmt.Errorf("triage fusion weights must be non-negative with a positive ml weight")
	}
	return nil
}

// #endregion load

// #region watch

// Watch reloads the config file on change and calls onReload with each
// valid new configuration. Invalid edits are logged and skipped; the
// previous configuration stays active.
func Watch(ctx context.Context, path string, onReload func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops
	// watches placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("[CONFIG] reload rejected: %v", err)
					continue
				}
				log.Printf("[CONFIG] reloaded %s", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[CONFIG] watcher error: %v", err)
			}
		}
	}()
	return nil
}

// #endregion watch
