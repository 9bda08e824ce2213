package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an embedded NATS server, for tests and
// single-binary local runs that don't want an external broker.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// EmbeddedOption configures the embedded NATS server.
type EmbeddedOption func(*server.Options)

// WithPort sets a specific port. Use -1 (the default) for a random
// available port.
func WithPort(port int) EmbeddedOption {
	return func(opts *server.Options) { opts.Port = port }
}

// WithHost sets the listen host. Default "127.0.0.1".
func WithHost(host string) EmbeddedOption {
	return func(opts *server.Options) { opts.Host = host }
}

// WithStoreDir sets the JetStream storage directory. Empty uses a
// temporary directory (the default).
func WithStoreDir(dir string) EmbeddedOption {
	return func(opts *server.Options) { opts.StoreDir = dir }
}

// WithMaxPayload sets the maximum message payload size.
func WithMaxPayload(bytes int32) EmbeddedOption {
	return func(opts *server.Options) { opts.MaxPayload = bytes }
}

// WithDebug enables debug logging.
func WithDebug(enabled bool) EmbeddedOption {
	return func(opts *server.Options) { opts.Debug = enabled }
}

// StartEmbeddedServer starts an embedded NATS server with JetStream
// enabled, for tests and local runs without an external broker.
func StartEmbeddedServer(options ...EmbeddedOption) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  "",
	}
	for _, opt := range options {
		opt(opts)
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: creating embedded server: %w", err)
	}

	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("eventbus: embedded server not ready within 5s")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string { return e.url }

// Server returns the underlying NATS server, for advanced configuration
// or monitoring.
func (e *EmbeddedServer) Server() *server.Server { return e.server }

// Shutdown stops the embedded server gracefully. Safe to call more than
// once; only the first call performs shutdown.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
}

// Connect opens a client connection to the embedded server.
func (e *EmbeddedServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(e.url, opts...)
}
