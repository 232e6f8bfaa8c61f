package ble

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"
)

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	DiscoveryTimeout time.Duration // zero scans until ctx is done
	Link             LinkOptions
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		Link:             DefaultLinkOptions(),
	}
}

// Client drives one target peripheral from discovery to a subscribed link.
type Client struct {
	target    Target
	opts      ClientOptions
	adapter   *AdapterSession
	discovery *DiscoveryEngine
	link      *ConnectionSession
}

// NewClient creates a client for target on platform. Call Open first.
func NewClient(platform Platform, target Target, opts ClientOptions) *Client {
	if opts.DiscoveryTimeout < 0 {
		opts.DiscoveryTimeout = 0
	}
	adapter := NewAdapterSession(platform)
	link := NewConnectionSession(adapter, opts.Link)
	return &Client{
		target:    target,
		opts:      opts,
		adapter:   adapter,
		discovery: NewDiscoveryEngine(adapter, DiscoveryOptions{ServiceUUID: link.opts.ServiceUUID}),
		link:      link,
	}
}

// Open initializes the adapter.
func (c *Client) Open() error {
	return c.adapter.Open()
}

// Adapter returns the client's adapter session.
func (c *Client) Adapter() *AdapterSession { return c.adapter }

// Discovery returns the client's discovery engine.
func (c *Client) Discovery() *DiscoveryEngine { return c.discovery }

// Link returns the client's connection session.
func (c *Client) Link() *ConnectionSession { return c.link }

// Find resolves the target to a device ID.
func (c *Client) Find(ctx context.Context) (string, error) {
	return c.discovery.Start(ctx, c.target, c.opts.DiscoveryTimeout)
}

// Connect finds the target, connects, checks that the service exposes
// both the write and notify characteristics, and subscribes to notifications.
func (c *Client) Connect(ctx context.Context) (Connection, error) {
	deviceID, err := c.Find(ctx)
	if err != nil {
		return Connection{}, err
	}

	if _, err := c.link.Connect(ctx, deviceID); err != nil {
		return Connection{}, err
	}

	if err := c.verify(); err != nil {
		c.link.Disconnect()
		return Connection{}, err
	}

	opts := c.link.opts
	if err := c.link.Subscribe(opts.ServiceUUID, opts.NotifyCharacteristicID); err != nil {
		return c.link.Info(), err
	}
	return c.link.Info(), nil
}

// verify enumerates the link's services and characteristics.
func (c *Client) verify() error {
	opts := c.link.opts
	services, err := c.link.Services()
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(services, func(s string) bool { return sameUUID(s, opts.ServiceUUID) }) {
		return fmt.Errorf("ble: service %s not exposed: %w", opts.ServiceUUID, ErrServiceDiscovery)
	}

	chars, err := c.link.Characteristics(opts.ServiceUUID)
	if err != nil {
		return err
	}
	for _, want := range []string{opts.WriteCharacteristicID, opts.NotifyCharacteristicID} {
		found := slices.ContainsFunc(chars, func(ch CharacteristicInfo) bool { return sameUUID(ch.UUID, want) })
		if !found {
			return fmt.Errorf("ble: characteristic %s not exposed: %w", want, ErrServiceDiscovery)
		}
	}
	slog.Debug("[BLE] service verified", "service", opts.ServiceUUID, "characteristics", len(chars))
	return nil
}

// Send transmits one frame.
func (c *Client) Send(frame []byte) error {
	return c.link.Send(frame)
}

// SendHex transmits one hex-encoded frame.
func (c *Client) SendHex(hex string) error {
	return c.link.SendHex(hex)
}

// Receive yields notified frames until the link closes or ctx is done.
func (c *Client) Receive(ctx context.Context) iter.Seq[[]byte] {
	return c.link.Receive(ctx)
}

// ReceiveHex yields notified frames as lowercase hex.
func (c *Client) ReceiveHex(ctx context.Context) iter.Seq[string] {
	return c.link.ReceiveHex(ctx)
}

// Read reads characteristicID of the link's service.
func (c *Client) Read(characteristicID string) ([]byte, error) {
	return c.link.Read(c.link.opts.ServiceUUID, characteristicID)
}

// Close gracefully stops discovery, disconnects and releases the adapter.
func (c *Client) Close() error {
	c.discovery.Stop()
	c.link.Disconnect()
	if err := c.adapter.Close(); err != nil && !errors.Is(err, ErrAdapterUnavailable) {
		return err
	}
	return nil
}
