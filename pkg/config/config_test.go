package config_test

import (
	"testing"

	"github.com/plaenen/eventcore/pkg/config"
)

func TestWithDefaultsFillsEveryKnob(t *testing.T) {
	c := config.Config{}.WithDefaults()

	if c.MaxPayloadBytes != 1024*1024 {
		t.Errorf("MaxPayloadBytes = %d, want 1 MiB", c.MaxPayloadBytes)
	}
	if c.CompressionThresholdBytes != 1024 {
		t.Errorf("CompressionThresholdBytes = %d, want 1024", c.CompressionThresholdBytes)
	}
	if c.CacheCapacityEntries != 10000 {
		t.Errorf("CacheCapacityEntries = %d, want 10000", c.CacheCapacityEntries)
	}
	if c.SnapshotEveryNEvents != 100 {
		t.Errorf("SnapshotEveryNEvents = %d, want 100", c.SnapshotEveryNEvents)
	}
	if c.AppendRetryAttempts != 3 {
		t.Errorf("AppendRetryAttempts = %d, want 3", c.AppendRetryAttempts)
	}
	if c.ProjectionDLQAfterRetries != 3 {
		t.Errorf("ProjectionDLQAfterRetries = %d, want 3", c.ProjectionDLQAfterRetries)
	}
}

func TestShouldSnapshotFiresOnBoundary(t *testing.T) {
	c := config.Config{SnapshotEveryNEvents: 10}

	cases := map[int64]bool{0: false, 5: false, 10: true, 20: true, 21: false}
	for sequence, want := range cases {
		if got := c.ShouldSnapshot(sequence); got != want {
			t.Errorf("ShouldSnapshot(%d) = %v, want %v", sequence, got, want)
		}
	}
}

func TestObjectStoreConfigTranslatesKnobs(t *testing.T) {
	c := config.Config{CompressionThresholdBytes: 2048, CacheCapacityEntries: 500, CacheTTLSeconds: 60}
	osCfg := c.ObjectStoreConfig()

	if osCfg.CompressionThresholdBytes != 2048 {
		t.Errorf("CompressionThresholdBytes = %d, want 2048", osCfg.CompressionThresholdBytes)
	}
	if osCfg.CacheCapacityEntries != 500 {
		t.Errorf("CacheCapacityEntries = %d, want 500", osCfg.CacheCapacityEntries)
	}
}

func TestEventBusConfigTranslatesBrokerURL(t *testing.T) {
	c := config.Config{BrokerURL: "nats://localhost:4222"}
	busCfg := c.EventBusConfig()

	if busCfg.URL != "nats://localhost:4222" {
		t.Errorf("URL = %q, want nats://localhost:4222", busCfg.URL)
	}
}

func TestEventBusConfigTranslatesTLSRequired(t *testing.T) {
	c := config.Config{BrokerURL: "tls://localhost:4222", TLSRequired: true}
	busCfg := c.EventBusConfig()

	if !busCfg.TLSRequired {
		t.Error("TLSRequired = false, want true")
	}
}
