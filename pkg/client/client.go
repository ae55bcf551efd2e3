// Package client connects Conduit processes to NATS. A Client owns one
// connection and hands it to the JetStream message service, the runner and
// remote collections.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	req := message.NewMessage("std::concat").WithPackets(...)
//	c.Messages.Publish(ctx, "CONDUIT.invoke", req)
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Conduit/internal/nats"
	"github.com/wehubfusion/Conduit/pkg/codec"
	"github.com/wehubfusion/Conduit/pkg/collections/remote"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/message"
	"github.com/wehubfusion/Conduit/pkg/runner"
	"go.uber.org/zap"
)

// ConnectionConfig configures the NATS connection and the message service.
type ConnectionConfig = nats.ConnectionConfig

// DefaultConnectionConfig returns a configuration with sensible defaults for url.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return nats.DefaultConnectionConfig(url)
}

// ConnectionConfigFromEnv reads CONDUIT_NATS_URL and the other CONDUIT_NATS_*
// variables over the defaults.
func ConnectionConfigFromEnv() *ConnectionConfig {
	return nats.ConnectionConfigFromEnv()
}

// Client is the central NATS client of a Conduit process.
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *ConnectionConfig
	logger *zap.Logger
	blobs  message.BlobStore

	// Messages publishes invocation requests and results over JetStream
	Messages *message.MessageService
}

// NewClient creates a client with the default configuration for url. It
// must be connected with Connect before use.
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with a custom configuration.
func NewClientWithConfig(config *ConnectionConfig) *Client {
	return &Client{
		config: config,
		logger: zap.NewNop(),
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext
// implementation, without a NATS connection. Useful for tests.
func NewClientWithJSContext(js message.JSContext) (*Client, error) {
	c := NewClientWithConfig(nats.DefaultConnectionConfig(""))
	svc, err := message.NewMessageService(js, c.serviceConfig(codec.JSON))
	if err != nil {
		return nil, err
	}
	c.Messages = svc
	return c, nil
}

// SetLogger sets a custom zap logger for the client
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
		if c.Messages != nil {
			c.Messages.SetLogger(logger)
		}
	}
}

// SetBlobStorage sets the store large results are offloaded to.
func (c *Client) SetBlobStorage(bs message.BlobStore) {
	c.blobs = bs
	if c.Messages != nil {
		c.Messages.SetBlobStorage(bs)
	}
}

func (c *Client) serviceConfig(cd codec.Codec) message.ServiceConfig {
	return message.ServiceConfig{
		MaxDeliver:        c.config.MaxDeliver,
		PublishMaxRetries: c.config.PublishMaxRetries,
		ResultStream:      c.config.ResultStream,
		ResultSubject:     c.config.ResultSubject,
		Codec:             cd,
	}
}

// Connect establishes the NATS connection and initializes JetStream and the
// message service. JetStream must be enabled on the server.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	if c.config == nil {
		return sdkerrors.Validation("connection config cannot be nil", sdkerrors.ErrInvalidConfig)
	}
	cd, err := codec.ByName(c.config.Codec)
	if err != nil {
		return sdkerrors.Validation("invalid codec", err)
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return sdkerrors.Execution("failed to connect to NATS", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return sdkerrors.Execution("JetStream is not enabled on the NATS server", err)
	}
	c.js = js

	svc, err := message.NewMessageService(message.WrapNATSJetStream(js), c.serviceConfig(cd))
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return err
	}
	svc.SetLogger(c.logger)
	if c.blobs != nil {
		svc.SetBlobStorage(c.blobs)
	}
	c.Messages = svc

	c.logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("name", c.config.Name))
	return nil
}

// Close drains the connection and releases the services.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.Execution("failed to close connection", err)
	}
	c.conn = nil
	c.js = nil
	c.Messages = nil
	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// JetStream returns the JetStream context, or nil before Connect.
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

func (c *Client) ensureConnected() error {
	if !c.IsConnected() {
		return sdkerrors.Execution("client is not connected", sdkerrors.ErrNotConnected)
	}
	return nil
}

// Ping flushes the connection to verify the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return sdkerrors.Execution("ping failed", err)
	}
	return nil
}

// Stats returns current connection statistics.
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}
	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

// ConnectionStats holds connection statistics for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// Runner creates a runner that serves requests from JetStream on comp.
func (c *Client) Runner(comp component.Component, cfg runner.Config, opts ...runner.Option) (*runner.Runner, error) {
	if c.Messages == nil {
		return nil, sdkerrors.Execution("client is not connected", sdkerrors.ErrNotConnected)
	}
	opts = append([]runner.Option{runner.WithLogger(c.logger)}, opts...)
	return runner.New(c.Messages, comp, cfg, opts...)
}

// Remote discovers the collection served under namespace by another process.
func (c *Client) Remote(ctx context.Context, namespace string, opts ...remote.Option) (*remote.Collection, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	opts = append([]remote.Option{remote.WithLogger(c.logger)}, opts...)
	if c.blobs != nil {
		opts = append(opts, remote.WithBlobDownloader(c.blobs))
	}
	return remote.Discover(ctx, namespace, c.conn, opts...)
}

// Serve exposes comp as a remote collection under namespace until ctx is cancelled.
func (c *Client) Serve(ctx context.Context, namespace string, comp component.Component, opts ...remote.ServerOption) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if comp == nil {
		return sdkerrors.Validation("component cannot be nil", sdkerrors.ErrInvalidConfig)
	}
	opts = append([]remote.ServerOption{remote.WithServerLogger(c.logger)}, opts...)
	if err := remote.NewServer(namespace, comp, opts...).Serve(ctx, c.conn); err != nil {
		return fmt.Errorf("serving %s: %w", namespace, err)
	}
	return nil
}
