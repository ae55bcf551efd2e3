// Package nats opens and manages the NATS connections used by Conduit clients.
package nats

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for NATS connection
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name is the client name for identifying this connection
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for unlimited reconnects
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration

	// Timeout is the connection timeout
	Timeout time.Duration

	// Token is an optional authentication token
	Token string

	// Username and Password are optional credentials
	Username string
	Password string

	// MaxDeliver is the delivery attempt limit of JetStream consumers created
	// for runners. With a 30s AckWait, 5 attempts retry for 2.5 minutes.
	MaxDeliver int

	// PublishMaxRetries bounds result publish attempts
	PublishMaxRetries int

	// ResultStream and ResultSubject receive results of requests that carry
	// no reply subject. Both should be environment specific (RESULTS_UAT, result.uat).
	ResultStream  string
	ResultSubject string

	// Codec names the wire encoding of published messages, "json" or "msgpack"
	Codec string
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:               url,
		Name:              "conduit",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		Timeout:           5 * time.Second,
		MaxDeliver:        5,
		PublishMaxRetries: 3,
		ResultStream:      "RESULTS",
		ResultSubject:     "result",
		Codec:             "json",
	}
}

// ConnectionConfigFromEnv returns the defaults overridden by CONDUIT_NATS_*
// environment variables. CONDUIT_NATS_URL falls back to nats.DefaultURL.
func ConnectionConfigFromEnv() *ConnectionConfig {
	url := os.Getenv("CONDUIT_NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	cfg := DefaultConnectionConfig(url)
	if v := os.Getenv("CONDUIT_NATS_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("CONDUIT_NATS_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("CONDUIT_NATS_USER"); v != "" {
		cfg.Username = v
		cfg.Password = os.Getenv("CONDUIT_NATS_PASSWORD")
	}
	if n, err := strconv.Atoi(os.Getenv("CONDUIT_NATS_MAX_DELIVER")); err == nil {
		cfg.MaxDeliver = n
	}
	if v := os.Getenv("CONDUIT_RESULT_STREAM"); v != "" {
		cfg.ResultStream = v
	}
	if v := os.Getenv("CONDUIT_RESULT_SUBJECT"); v != "" {
		cfg.ResultSubject = v
	}
	if v := os.Getenv("CONDUIT_CODEC"); v != "" {
		cfg.Codec = v
	}
	return cfg
}

// Options converts the configuration into nats.Connect options. Connection
// state changes are logged to logger.
func (c *ConnectionConfig) Options(logger *zap.Logger) []nats.Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}

	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	} else if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// Connect establishes a connection to NATS with the provided configuration
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, config.Options(logger)...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// a late connection must not leak
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains conn, falling back to a hard close when draining fails.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// IsConnected checks if the connection is active
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}

// WaitForConnection waits for the connection to be established or context to expire
func WaitForConnection(ctx context.Context, conn *nats.Conn, checkInterval time.Duration) error {
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if conn.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection wait cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
