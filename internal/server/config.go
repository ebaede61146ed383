package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all tool configuration.
type Config struct {
	mu sync.RWMutex

	Device  DeviceConfig  `yaml:"device" json:"device"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	History HistoryConfig `yaml:"history" json:"history"`

	// Equipment limit presets: read-only input to the UI's alert bands,
	// never consulted by the protocol core.
	Equipment map[string]EquipmentLimits `yaml:"equipment" json:"equipment"`

	path string // file path for save/load
}

type DeviceConfig struct {
	// Port, if set, is probed before enumerated candidates.
	Port string `yaml:"port" json:"port"`
	// BaudRate, if set, is probed before the default baud list.
	BaudRate int `yaml:"baud_rate" json:"baudRate"`
	// Simulation runs retrievals against a simulated logger.
	Simulation     bool   `yaml:"simulation" json:"simulation"`
	SimEquipment   string `yaml:"sim_equipment" json:"simEquipment"`
	SimRecords     int    `yaml:"sim_records" json:"simRecords"`
	ProbeTimeoutMs int    `yaml:"probe_timeout_ms" json:"probeTimeoutMs"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	OpenBrowser bool   `yaml:"open_browser" json:"openBrowser"`
}

type HistoryConfig struct {
	Path string `yaml:"path" json:"path"`
}

// Band is a [low, high] limit pair; a nil side is unbounded.
type Band struct {
	Low  *float64 `yaml:"low" json:"low"`
	High *float64 `yaml:"high" json:"high"`
}

// EquipmentLimits holds the alert (warn) and action (out of spec) bands
// for one equipment type. A nil band means the channel is not monitored.
type EquipmentLimits struct {
	TempAlert  *Band `yaml:"temp_alert" json:"tempAlert"`
	TempAction *Band `yaml:"temp_action" json:"tempAction"`
	HumAlert   *Band `yaml:"hum_alert" json:"humAlert"`
	HumAction  *Band `yaml:"hum_action" json:"humAction"`
}

func f(v float64) *float64 { return &v }

// DefaultConfig returns a config with the stock equipment presets.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			SimEquipment: "HELADERA",
			SimRecords:   100,
		},
		Server: ServerConfig{
			ListenAddr:  "127.0.0.1:5000",
			OpenBrowser: true,
		},
		History: HistoryConfig{
			Path: "historial_lecturas",
		},
		Equipment: map[string]EquipmentLimits{
			"HELADERA": {
				TempAlert:  &Band{Low: f(3), High: f(7)},
				TempAction: &Band{Low: f(2), High: f(8)},
			},
			"FREEZER": {
				TempAlert:  &Band{High: f(-17)},
				TempAction: &Band{High: f(-15)},
			},
			"ESTUFA 30-35": {
				TempAlert:  &Band{Low: f(31.5), High: f(33.5)},
				TempAction: &Band{Low: f(30), High: f(35)},
			},
			"ESTUFA 20-25": {
				TempAlert:  &Band{Low: f(21.5), High: f(23.5)},
				TempAction: &Band{Low: f(20), High: f(25)},
			},
			"AREAS CALIFICADAS": {
				TempAlert:  &Band{Low: f(17), High: f(23)},
				TempAction: &Band{Low: f(15), High: f(25)},
				HumAlert:   &Band{High: f(62)},
				HumAction:  &Band{High: f(65)},
			},
			"AREAS NO CALIFICADAS": {
				TempAlert:  &Band{Low: f(17), High: f(23)},
				TempAction: &Band{Low: f(15), High: f(25)},
				HumAlert:   &Band{High: f(67)},
				HumAction:  &Band{High: f(70)},
			},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env from the config's directory, then CWD.
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real environment takes precedence.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: THD_PORT, THD_BAUD, THD_SIMULATION, LISTEN_ADDR,
// HISTORY_PATH, OPEN_BROWSER.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("THD_PORT"); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv("THD_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("THD_SIMULATION"); v != "" {
		c.Device.Simulation = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("OPEN_BROWSER"); v != "" {
		c.Server.OpenBrowser = v == "1" || v == "true" || v == "yes"
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields absent from the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
