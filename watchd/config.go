package watchd

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/domobs/watchd/internal/config"
	"github.com/hazyhaar/domobs/watchd/internal/sink"
)

// Config is the top-level watchd configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// TargetConfig defines a node to watch.
type TargetConfig = config.TargetConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// AdminConfig controls the HTTP admin surface.
type AdminConfig = config.AdminConfig

// Target watch modes.
const (
	ModeAuto    = config.ModeAuto
	ModeNative  = config.ModeNative
	ModePolling = config.ModePolling
)

// Sink is the output interface for change batches.
type Sink = sink.Sink

// BatchFunc is called for each batch by a callback sink.
type BatchFunc = sink.BatchFunc

// LoadConfigFile reads and validates a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes and validates a YAML document.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// WatchConfigFile calls fn with each valid new version of the file at path
// until ctx is done.
func WatchConfigFile(ctx context.Context, path string, logger *slog.Logger, fn func(*Config)) error {
	return config.WatchFile(ctx, path, logger, fn)
}

// WithSink adds an output backend next to the configured ones.
func WithSink(s Sink) Option {
	return func(d *Daemon) { d.extra = append(d.extra, s) }
}
