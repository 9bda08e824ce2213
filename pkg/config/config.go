// Package config gathers every operator-facing knob for an eventcore
// deployment into one struct (spec.md §6), and translates it into the
// functional options each package's own constructor expects. There is
// no file or environment loader here — wiring a config source (flags,
// env, a config file format) is left to the caller, per spec.md §1's
// "configuration loading" non-goal.
package config

import (
	"time"

	"github.com/plaenen/eventcore/pkg/eventbus"
	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/objectstore"
	"github.com/plaenen/eventcore/pkg/security/credentials"
)

// Config enumerates every knob spec.md §6 names, spanning the broker
// connection, the object store's compression/caching, the event
// store's append behavior, and the projection runtime's retry policy.
type Config struct {
	// Broker (C8)
	BrokerURL         string
	BrokerCredentials credentials.Provider
	TLSRequired       bool
	MaxPayloadBytes   int32

	// Object store (C3)
	CompressionThresholdBytes int
	CacheCapacityEntries      int
	CacheTTLSeconds           int

	// Replay/snapshot (C5/C6)
	SnapshotEveryNEvents int64

	// Event store (C4)
	AppendRetryAttempts int
	AppendTimeoutMS     int

	// Projection runtime (C7)
	ProjectionDLQAfterRetries int
}

// WithDefaults fills in the documented defaults for every unset knob.
func (c Config) WithDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1024 * 1024
	}
	if c.CompressionThresholdBytes <= 0 {
		c.CompressionThresholdBytes = 1024
	}
	if c.CacheCapacityEntries <= 0 {
		c.CacheCapacityEntries = 10000
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 300
	}
	if c.SnapshotEveryNEvents <= 0 {
		c.SnapshotEveryNEvents = 100
	}
	if c.AppendRetryAttempts <= 0 {
		c.AppendRetryAttempts = 3
	}
	if c.AppendTimeoutMS <= 0 {
		c.AppendTimeoutMS = 5000
	}
	if c.ProjectionDLQAfterRetries <= 0 {
		c.ProjectionDLQAfterRetries = 3
	}
	return c
}

// ShouldSnapshot reports whether sequence lands on a snapshot boundary
// under SnapshotEveryNEvents, for callers deciding when to persist a
// new aggregate snapshot after an append.
func (c Config) ShouldSnapshot(sequence int64) bool {
	every := c.WithDefaults().SnapshotEveryNEvents
	return sequence > 0 && sequence%every == 0
}

// AppendTimeout is AppendTimeoutMS as a time.Duration.
func (c Config) AppendTimeout() time.Duration {
	return time.Duration(c.WithDefaults().AppendTimeoutMS) * time.Millisecond
}

// ObjectStoreConfig translates the object-store knobs into an
// objectstore.Config.
func (c Config) ObjectStoreConfig() objectstore.Config {
	c = c.WithDefaults()
	return objectstore.Config{
		CompressionThresholdBytes: c.CompressionThresholdBytes,
		CacheCapacityEntries:      c.CacheCapacityEntries,
		CacheTTL:                  time.Duration(c.CacheTTLSeconds) * time.Second,
	}
}

// EventBusConfig translates the broker knobs into an eventbus.Config.
func (c Config) EventBusConfig() eventbus.Config {
	c = c.WithDefaults()
	return eventbus.Config{
		URL:                c.BrokerURL,
		CredentialProvider: c.BrokerCredentials,
		MaxPayloadBytes:    c.MaxPayloadBytes,
		TLSRequired:        c.TLSRequired,
	}
}

// EventStoreOptions returns eventstore.Option values layered on top of
// the caller's own (objects, publisher, dsn, ...) options. It currently
// returns only WithAutoMigrate(true); AppendRetryAttempts and
// AppendTimeoutMS are not translated into store options.
func (c Config) EventStoreOptions() []eventstore.Option {
	c = c.WithDefaults()
	return []eventstore.Option{
		eventstore.WithAutoMigrate(true),
	}
}
