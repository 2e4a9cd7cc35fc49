// Package config loads the daemon's JSON-with-Comments (JWCC) config
// file, following the loading convention of calvinalkan/agent-task's
// .tk.json: read the raw bytes, standardize JWCC to plain JSON via
// hujson, then unmarshal.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/tailscale/hujson"
	"github.com/urso/diag"
	"github.com/urso/sderr"
)

var errEmptyField = errors.New("config: invalid field")

// Config holds every setting the daemon needs to wire up its
// collaborators. Durations are accepted in the config file as Go
// duration strings (e.g. "500ms", "30s").
type Config struct {
	// BlockStoreDir is the root directory for content-addressed block
	// files (blockstore.FileStore).
	BlockStoreDir string `json:"block_store_dir"`

	// MetaStorePath is the JSON snapshot file for the durable name and
	// rescue-point catalog (metastore.FileStore).
	MetaStorePath string `json:"meta_store_path"`

	// MaxNameLength is parsed and checked to be non-negative, but no
	// component reads it: sessions always bound a normalized series
	// name by nameparse.MaxNameLength.
	MaxNameLength int `json:"max_name_length"`

	// FlushThreshold is the number of in-memory samples an extent list
	// buffers before flushing a page to the block store. It must be
	// positive; Validate rejects zero or a negative value.
	FlushThreshold int `json:"flush_threshold"`

	// SyncPollInterval bounds how long the background sync loop blocks
	// in WaitForSyncRequest between checks, as a Go duration string.
	SyncPollInterval Duration `json:"sync_poll_interval"`
}

// Duration is a time.Duration that unmarshals from a Go duration
// string in the config file instead of a raw integer nanosecond
// count.
type Duration time.Duration

// UnmarshalJSON parses a duration string like "30s".
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return sderr.Wrap(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration in time.Duration's String form,
// e.g. "30s" or "1m0s".
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns the configuration used when no file is present and
// no flag overrides are given.
func Default() Config {
	return Config{
		BlockStoreDir:    "./data/blocks",
		MetaStorePath:    "./data/catalog.json",
		MaxNameLength:    4096,
		FlushThreshold:   1024,
		SyncPollInterval: Duration(5 * time.Second),
	}
}

// LoadError is returned when a config file exists but cannot be read
// or parsed; it carries diag.Context fields identifying the offending
// file, the same way filebeat/input/v2.LoaderError attaches
// diagnostics to its own load-time failures.
type LoadError struct {
	Path        string
	Reason      error
	Diagnostics *diag.Context
}

func (e *LoadError) Error() string {
	return "config: failed to load " + e.Path + ": " + e.Reason.Error()
}

func (e *LoadError) Unwrap() error { return e.Reason }

// Context returns the load error's structured diagnostic fields.
func (e *LoadError) Context() *diag.Context { return e.Diagnostics }

// Load reads path, standardizes it from JWCC to JSON, and unmarshals
// it over Default(). A missing file is not an error: Default() is
// returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, &LoadError{Path: path, Reason: err, Diagnostics: diag.NewContext(nil, diag.String("path", path))}
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, &LoadError{Path: path, Reason: err, Diagnostics: diag.NewContext(nil, diag.String("path", path))}
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, &LoadError{Path: path, Reason: err, Diagnostics: diag.NewContext(nil, diag.String("path", path))}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, &LoadError{Path: path, Reason: err, Diagnostics: diag.NewContext(nil, diag.String("path", path))}
	}
	return cfg, nil
}

// Validate reports an error if cfg is not usable as-is.
func Validate(cfg Config) error {
	if cfg.BlockStoreDir == "" {
		return sderr.Wrap(errEmptyField, "block_store_dir must not be empty")
	}
	if cfg.MetaStorePath == "" {
		return sderr.Wrap(errEmptyField, "meta_store_path must not be empty")
	}
	if cfg.MaxNameLength < 0 {
		return sderr.Wrap(errEmptyField, "max_name_length must not be negative")
	}
	if cfg.FlushThreshold <= 0 {
		return sderr.Wrap(errEmptyField, "flush_threshold must be positive")
	}
	return nil
}
