// Package config holds webauto's runtime configuration: server ports,
// profile/browser/cookie/container/workflow defaults, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"webauto/internal/logging"
)

// ProfileIDPattern is the required shape of a profileId: platform_variant[_NN].
var ProfileIDPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)+$`)

// Config holds all webauto configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Browser   BrowserConfig   `yaml:"browser"`
	Cookies   CookiesConfig   `yaml:"cookies"`
	Containers ContainersConfig `yaml:"containers"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the three listening ports from spec.md section 6.
type ServerConfig struct {
	APIPort               int `yaml:"api_port"`                // 7701 - Unified API
	BrowserServiceHTTPPort int `yaml:"browser_service_http_port"` // 7704 - /command, /health
	BrowserServiceWSPort  int `yaml:"browser_service_ws_port"`  // 8765 - session events
}

// ProfilesConfig controls where browser profiles and their artifacts live.
type ProfilesConfig struct {
	Root       string `yaml:"root"`        // ~/.webauto/profiles
	CookiesDir string `yaml:"cookies_dir"` // ~/.webauto/cookies
	DownloadRoot string `yaml:"download_root"`
}

// BrowserConfig controls launch defaults for every Browser Session.
type BrowserConfig struct {
	Headless         bool   `yaml:"headless"`
	ViewportWidth    int    `yaml:"viewport_width"`
	ViewportHeight   int    `yaml:"viewport_height"`
	LaunchTimeout    string `yaml:"launch_timeout"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	Stealth          bool   `yaml:"stealth"`
}

// CookiesConfig controls the Cookie Store's stability windowing.
type CookiesConfig struct {
	MinDelayMs      int64 `yaml:"min_delay_ms"`      // default 2000
	AutosaveIntervalMs int64 `yaml:"autosave_interval_ms"`
}

// ContainersConfig points at the Container Library source directory.
type ContainersConfig struct {
	LibraryDir string `yaml:"library_dir"`
	HotReload  bool   `yaml:"hot_reload"`
}

// WorkflowConfig holds default pacing and grace windows for the runtime.
type WorkflowConfig struct {
	OperationMinIntervalMs int64  `yaml:"operation_min_interval_ms"`
	EventCooldownMs        int64  `yaml:"event_cooldown_ms"`
	JitterMs               int64  `yaml:"jitter_ms"`
	NavigationMinIntervalMs int64 `yaml:"navigation_min_interval_ms"`
	CancelGraceWindow      string `yaml:"cancel_grace_window"` // default 5s
	LikeGateBypass         bool   `yaml:"like_gate_bypass"`    // test only
}

// LoggingConfig mirrors internal/logging's expectations, plus the debug
// artifact capture switches from spec.md section 6.
type LoggingConfig struct {
	Workspace       string          `yaml:"workspace"`
	DebugMode       bool            `yaml:"debug_mode"`
	Level           string          `yaml:"level"`
	JSONFormat      bool            `yaml:"json_format"`
	Categories      map[string]bool `yaml:"categories"`
	DebugArtifacts  bool            `yaml:"debug_artifacts"`
	DebugScreenshot bool            `yaml:"debug_screenshot"`
}

// DefaultConfig returns webauto's default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".webauto")

	return &Config{
		Name:    "webauto",
		Version: "0.1.0",

		Server: ServerConfig{
			APIPort:                7701,
			BrowserServiceHTTPPort: 7704,
			BrowserServiceWSPort:   8765,
		},

		Profiles: ProfilesConfig{
			Root:         filepath.Join(root, "profiles"),
			CookiesDir:   filepath.Join(root, "cookies"),
			DownloadRoot: filepath.Join(root, "download"),
		},

		Browser: BrowserConfig{
			Headless:          false,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			LaunchTimeout:     "30s",
			NavigationTimeout: "30s",
			Stealth:           true,
		},

		Cookies: CookiesConfig{
			MinDelayMs:         2000,
			AutosaveIntervalMs: 15000,
		},

		Containers: ContainersConfig{
			LibraryDir: filepath.Join(root, "containers"),
			HotReload:  true,
		},

		Workflow: WorkflowConfig{
			OperationMinIntervalMs:  250,
			EventCooldownMs:         500,
			JitterMs:                150,
			NavigationMinIntervalMs: 1000,
			CancelGraceWindow:       "5s",
		},

		Logging: LoggingConfig{
			Workspace: root,
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults if
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("Loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("Failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: api_port=%d profiles_root=%s", cfg.Server.APIPort, cfg.Profiles.Root)
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the WEBAUTO_* environment variables from
// spec.md section 6.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WEBAUTO_BROWSER_URL"); v != "" {
		// Stored for callers that need the external browser-service
		// endpoint; kept as an env passthrough rather than a config field
		// because it addresses a different process, not this one.
		os.Setenv("WEBAUTO_BROWSER_URL", v)
	}
	if v := os.Getenv("WEBAUTO_DOWNLOAD_ROOT"); v != "" {
		c.Profiles.DownloadRoot = v
	}
	if v := os.Getenv("WEBAUTO_DOWNLOAD_DIR"); v != "" {
		c.Profiles.DownloadRoot = v
	}
	if v := os.Getenv("WEBAUTO_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
	if v := os.Getenv("WEBAUTO_DEBUG_ARTIFACTS"); v == "1" || v == "true" {
		c.Logging.DebugArtifacts = true
	}
	if v := os.Getenv("WEBAUTO_DEBUG_SCREENSHOT"); v == "1" || v == "true" {
		c.Logging.DebugScreenshot = true
	}
	if v := os.Getenv("WEBAUTO_LIKE_GATE_BYPASS"); v == "1" || v == "true" {
		c.Workflow.LikeGateBypass = true
	}
}

// GetLaunchTimeout returns the browser launch timeout as a duration.
func (c *Config) GetLaunchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.LaunchTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetNavigationTimeout returns the navigation timeout as a duration.
func (c *Config) GetNavigationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.NavigationTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetCancelGraceWindow returns the workflow cancellation grace window.
func (c *Config) GetCancelGraceWindow() time.Duration {
	d, err := time.ParseDuration(c.Workflow.CancelGraceWindow)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// Validate checks invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if c.Server.APIPort <= 0 || c.Server.BrowserServiceHTTPPort <= 0 || c.Server.BrowserServiceWSPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Server.APIPort == c.Server.BrowserServiceHTTPPort || c.Server.APIPort == c.Server.BrowserServiceWSPort ||
		c.Server.BrowserServiceHTTPPort == c.Server.BrowserServiceWSPort {
		return fmt.Errorf("server ports must be distinct")
	}
	if c.Cookies.MinDelayMs <= 0 {
		return fmt.Errorf("cookies.min_delay_ms must be positive")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	return nil
}

// ValidateProfileID enforces the profile naming rule from spec.md section 6.
func ValidateProfileID(id string) error {
	if !ProfileIDPattern.MatchString(id) {
		return fmt.Errorf("invalid profile id %q: must match %s", id, ProfileIDPattern.String())
	}
	return nil
}
