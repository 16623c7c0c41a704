// Package config loads the dropboxd configuration file.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/registrator"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"
)

// Error is the error class for configuration problems
var Error = errs.Class("config")

// Dropbox kinds
const (
	KindNative = "native"
	KindScript = "script"
)

// Prestaging behaviours
const (
	PrestagingPrestage    = "prestage"
	PrestagingUseOriginal = "use_original"
)

// Config is the whole configuration file
type Config struct {
	Paths   PathsConfig       `yaml:"paths"`
	Dropbox DropboxConfig     `yaml:"dropbox"`
	Retry   RetryConfig       `yaml:"retry"`
	OnError map[string]string `yaml:"on_error"`
	Remote  RemoteConfig      `yaml:"remote"`
	Health  HealthConfig      `yaml:"health"`
	Scan    ScanConfig        `yaml:"scan"`
	Audit   AuditConfig       `yaml:"audit"`
	API     APIConfig         `yaml:"api"`
	Log     LogConfig         `yaml:"log"`
}

// PathsConfig lists the directories of a dropbox. Relative paths are
// resolved against Root.
type PathsConfig struct {
	Root       string `yaml:"root"`
	Incoming   string `yaml:"incoming"`
	Prestaging string `yaml:"prestaging"`
	Staging    string `yaml:"staging"`
	Precommit  string `yaml:"precommit"`
	Store      string `yaml:"store"`
	ShareID    string `yaml:"share_id"`
	Recovery   string `yaml:"recovery"`
	Error      string `yaml:"error"`
	Tmp        string `yaml:"tmp"`
}

// DropboxConfig selects the program run for each incoming unit
type DropboxConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Program names a native program, Script a Starlark file
	Program string `yaml:"program"`
	Script  string `yaml:"script"`

	Prestaging          string `yaml:"prestaging"`
	UseIsFinishedMarker bool   `yaml:"use_is_finished_marker"`
}

// RetryConfig mirrors registrator.RetryPolicy
type RetryConfig struct {
	ProcessMaxRetryCount      int           `yaml:"process_max_retry_count"`
	ProcessRetryPause         time.Duration `yaml:"process_retry_pause"`
	RegistrationMaxRetryCount int           `yaml:"registration_max_retry_count"`
	RegistrationRetryPause    time.Duration `yaml:"registration_retry_pause"`
	RecoveryMaxRetryCount     int           `yaml:"recovery_max_retry_count"`
	RecoveryRetryPeriod       time.Duration `yaml:"recovery_retry_period"`
}

// RemoteConfig says where the entity store lives. With an empty Address the
// store is embedded and kept in DataDir.
type RemoteConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	DataDir string        `yaml:"data_dir"`
}

// HealthConfig configures the readiness checks
type HealthConfig struct {
	MinFreeBytes  uint64        `yaml:"min_free_bytes"`
	CheckInterval time.Duration `yaml:"check_interval"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// ScanConfig configures the incoming scanner
type ScanConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AuditConfig locates the audit log
type AuditConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used for everything the file leaves out
func Default() *Config {
	policy := registrator.DefaultRetryPolicy()
	return &Config{
		Paths: PathsConfig{
			Root:       "/var/lib/dropboxd",
			Incoming:   "incoming",
			Prestaging: "prestaging",
			Staging:    "staging",
			Precommit:  "precommit",
			Store:      "store",
			ShareID:    "1",
			Recovery:   "recovery",
			Error:      "error",
			Tmp:        "tmp",
		},
		Dropbox: DropboxConfig{
			Name:       "default",
			Kind:       KindNative,
			Program:    "simple",
			Prestaging: PrestagingPrestage,
		},
		Retry: RetryConfig{
			ProcessMaxRetryCount:      policy.ProcessMaxRetryCount,
			ProcessRetryPause:         policy.ProcessRetryPause,
			RegistrationMaxRetryCount: policy.RegistrationMaxRetryCount,
			RegistrationRetryPause:    policy.RegistrationRetryPause,
			RecoveryMaxRetryCount:     policy.RecoveryMaxRetryCount,
			RecoveryRetryPeriod:       policy.RecoveryRetryPeriod,
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
			DataDir: "entities",
		},
		Health: HealthConfig{
			MinFreeBytes:  1 << 30,
			CheckInterval: 30 * time.Second,
			PollInterval:  10 * time.Second,
		},
		Scan:  ScanConfig{Interval: 10 * time.Second},
		Audit: AuditConfig{Path: "audit.db"},
		API:   APIConfig{Addr: "127.0.0.1:9090"},
		Log:   LogConfig{Level: string(log.InfoLevel)},
	}
}

// Load reads a configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.New("failed to read config file: %v", err)
	}
	return Parse(data)
}

// Parse decodes a configuration on top of the defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, Error.New("failed to parse config: %v", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths() {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Paths.Root, *p)
		}
	}
	for _, p := range []*string{
		&c.Paths.Incoming, &c.Paths.Prestaging, &c.Paths.Staging, &c.Paths.Precommit,
		&c.Paths.Store, &c.Paths.Recovery, &c.Paths.Error, &c.Paths.Tmp,
		&c.Remote.DataDir, &c.Audit.Path,
	} {
		resolve(p)
	}
}

// Validate reports every problem of the configuration at once
func (c *Config) Validate() error {
	var group errs.Group

	for name, p := range map[string]string{
		"incoming":  c.Paths.Incoming,
		"staging":   c.Paths.Staging,
		"precommit": c.Paths.Precommit,
		"store":     c.Paths.Store,
		"recovery":  c.Paths.Recovery,
		"error":     c.Paths.Error,
		"tmp":       c.Paths.Tmp,
	} {
		if p == "" {
			group.Add(Error.New("paths.%s is required", name))
		}
	}

	if c.Dropbox.Name == "" {
		group.Add(Error.New("dropbox.name is required"))
	}
	switch c.Dropbox.Kind {
	case KindNative:
		if c.Dropbox.Program == "" {
			group.Add(Error.New("dropbox.program is required for native dropboxes"))
		}
	case KindScript:
		if c.Dropbox.Script == "" {
			group.Add(Error.New("dropbox.script is required for script dropboxes"))
		}
	default:
		group.Add(Error.New("dropbox.kind must be %q or %q, got %q", KindNative, KindScript, c.Dropbox.Kind))
	}
	switch c.Dropbox.Prestaging {
	case PrestagingPrestage, PrestagingUseOriginal:
	default:
		group.Add(Error.New("dropbox.prestaging must be %q or %q", PrestagingPrestage, PrestagingUseOriginal))
	}

	r := c.Retry
	if r.ProcessMaxRetryCount < 0 || r.RegistrationMaxRetryCount < 0 {
		group.Add(Error.New("retry counts must not be negative"))
	}
	if r.RecoveryMaxRetryCount < 1 {
		group.Add(Error.New("retry.recovery_max_retry_count must be at least 1"))
	}
	if r.ProcessRetryPause < 0 || r.RegistrationRetryPause < 0 || r.RecoveryRetryPeriod < 0 {
		group.Add(Error.New("retry pauses must not be negative"))
	}

	if _, err := c.UnstoreActions(); err != nil {
		group.Add(err)
	}
	if c.Remote.Address == "" && c.Remote.DataDir == "" {
		group.Add(Error.New("remote.address or remote.data_dir is required"))
	}
	return group.Err()
}

// Layout returns the directory layout of the dropbox
func (c *Config) Layout() fsops.Layout {
	return fsops.Layout{
		Incoming:   c.Paths.Incoming,
		Prestaging: c.Paths.Prestaging,
		Staging:    c.Paths.Staging,
		Precommit:  c.Paths.Precommit,
		Store:      c.Paths.Store,
		ShareID:    c.Paths.ShareID,
		Recovery:   c.Paths.Recovery,
		Error:      c.Paths.Error,
		Tmp:        c.Paths.Tmp,
	}
}

// Policy returns the retry policy
func (c *Config) Policy() registrator.RetryPolicy {
	return registrator.RetryPolicy(c.Retry)
}

// Prestage reports whether attempts work on a prestaged copy
func (c *Config) Prestage() bool {
	return c.Dropbox.Prestaging != PrestagingUseOriginal
}

// UnstoreActions returns the configured unstore actions merged over the
// defaults
func (c *Config) UnstoreActions() (map[types.ErrorType]types.UnstoreDataAction, error) {
	actions := registrator.DefaultOnError()

	keys := make([]string, 0, len(c.OnError))
	for k := range c.OnError {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		errType := types.ErrorType(k)
		if _, known := actions[errType]; !known {
			return nil, Error.New("on_error: unknown error type %q", k)
		}
		action, err := types.ParseUnstoreDataAction(c.OnError[k])
		if err != nil {
			return nil, Error.New("on_error.%s: %v", k, err)
		}
		actions[errType] = action
	}
	return actions, nil
}

// Logging returns the logger configuration
func (c *Config) Logging() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Log.Level),
		JSONOutput: c.Log.JSON,
		Output:     os.Stderr,
	}
}
