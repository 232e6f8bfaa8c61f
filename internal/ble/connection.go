package ble

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blelink/internal/ble/protocol"
)

// LinkState is the lifecycle phase of a ConnectionSession.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkNegotiating
	LinkSubscribed
	// LinkClosed is the final state of a link; a new Connect starts over.
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkNegotiating:
		return "negotiating"
	case LinkSubscribed:
		return "subscribed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// open reports whether the link is physically up in this state.
func (s LinkState) open() bool {
	return s == LinkNegotiating || s == LinkSubscribed
}

// Connection is the record of the active link.
type Connection struct {
	DeviceID               string
	ServiceID              string
	WriteCharacteristicID  string
	NotifyCharacteristicID string
	MTU                    int
	Connected              bool
}

// LinkOptions configures a ConnectionSession.
type LinkOptions struct {
	ServiceUUID            string
	WriteCharacteristicID  string
	NotifyCharacteristicID string
	MTU                    int           // requested after connecting
	FixedMTU               bool          // platform does not allow MTU changes
	ChunkDelay             time.Duration // delay between chunks of one frame
}

// DefaultLinkOptions returns options for the FE60 service.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		ServiceUUID:            ServiceUUID,
		WriteCharacteristicID:  WriteCharacteristicID,
		NotifyCharacteristicID: NotifyCharacteristicID,
		MTU:                    DefaultMTU,
		ChunkDelay:             20 * time.Millisecond,
	}
}

// ConnectionSession owns one link to a peripheral: connect, MTU
// negotiation, notification subscription, frame exchange and teardown.
type ConnectionSession struct {
	adapter *AdapterSession
	opts    LinkOptions

	mu    sync.Mutex
	state LinkState
	conn  Connection
	// closed is closed when the current link reaches LinkClosed.
	closed chan struct{}
	events *subscription
	notify *subscription
}

// NewConnectionSession creates a session using adapter's platform.
func NewConnectionSession(adapter *AdapterSession, opts LinkOptions) *ConnectionSession {
	def := DefaultLinkOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteCharacteristicID == "" {
		opts.WriteCharacteristicID = def.WriteCharacteristicID
	}
	if opts.NotifyCharacteristicID == "" {
		opts.NotifyCharacteristicID = def.NotifyCharacteristicID
	}
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}
	return &ConnectionSession{adapter: adapter, opts: opts}
}

// State returns the current link state.
func (c *ConnectionSession) State() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the link record. Connected is false as soon
// as the adapter reports the device gone, even before the session has
// processed the event.
func (c *ConnectionSession) Info() Connection {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	conn.Connected = conn.Connected && c.adapter.LinkUp(conn.DeviceID)
	return conn
}

// Connect opens a link to deviceID and negotiates the MTU. On success the
// session is in LinkNegotiating; call Subscribe to receive frames.
func (c *ConnectionSession) Connect(ctx context.Context, deviceID string) (Connection, error) {
	if deviceID == "" {
		return Connection{}, fmt.Errorf("ble: connect: %w: empty device id", ErrConnectionFailed)
	}
	if err := c.adapter.RequireAvailable(); err != nil {
		return Connection{}, fmt.Errorf("ble: connect to %s: %w", deviceID, err)
	}

	c.mu.Lock()
	if c.state != LinkDisconnected && c.state != LinkClosed {
		c.mu.Unlock()
		return Connection{}, fmt.Errorf("ble: connect to %s: %w", deviceID, ErrBusy)
	}
	c.state = LinkConnecting
	c.conn = Connection{
		ServiceID:              c.opts.ServiceUUID,
		WriteCharacteristicID:  c.opts.WriteCharacteristicID,
		NotifyCharacteristicID: c.opts.NotifyCharacteristicID,
		MTU:                    protocol.DefaultATTMTU,
	}
	closed := make(chan struct{})
	c.closed = closed
	// Subscribe before connecting so a drop during negotiation is seen.
	events := c.adapter.subscribe(topicAvailability, topicConnection)
	c.events = events
	c.mu.Unlock()

	slog.Info("[BLE] connecting", "device", deviceID)
	if err := c.adapter.platform.Connect(ctx, deviceID); err != nil {
		c.teardown(closed, "connect failed")
		return Connection{}, fmt.Errorf("ble: connect to %s: %w: %w", deviceID, ErrConnectionFailed, err)
	}

	c.mu.Lock()
	if c.closed != closed || c.state != LinkConnecting {
		c.mu.Unlock()
		if err := c.adapter.platform.Disconnect(deviceID); err != nil {
			slog.Debug("[BLE] dropping late connection failed", "device", deviceID, "error", err)
		}
		return Connection{}, fmt.Errorf("ble: connect to %s: %w: link closed while connecting", deviceID, ErrConnectionFailed)
	}
	c.conn.DeviceID = deviceID
	c.conn.Connected = true
	c.state = LinkNegotiating
	c.mu.Unlock()
	c.adapter.markLink(deviceID, true)

	go c.watch(closed, events, deviceID)

	c.negotiate(deviceID, closed)

	c.mu.Lock()
	lost := c.closed != closed || !c.state.open() || !c.adapter.LinkUp(deviceID)
	conn := c.conn
	c.mu.Unlock()
	if lost {
		c.teardown(closed, "link lost during negotiation")
		return Connection{}, fmt.Errorf("ble: connect to %s: %w: link lost during negotiation", deviceID, ErrConnectionFailed)
	}
	slog.Info("[BLE] connected", "device", deviceID, "mtu", conn.MTU)
	return conn, nil
}

// negotiate runs the post-connect steps. Neither step can fail the link.
func (c *ConnectionSession) negotiate(deviceID string, closed chan struct{}) {
	if devices, err := c.adapter.platform.ConnectedDevices(c.opts.ServiceUUID); err != nil {
		slog.Debug("[BLE] list connected devices failed", "error", err)
	} else {
		slog.Debug("[BLE] connected devices", "service", c.opts.ServiceUUID, "count", len(devices))
	}

	if c.opts.FixedMTU {
		return
	}
	mtu, err := c.adapter.platform.SetMTU(deviceID, c.opts.MTU)
	if err != nil {
		slog.Warn("[BLE] MTU request failed, using default", "requested", c.opts.MTU, "error", err)
		return
	}
	if mtu <= 0 || mtu > c.opts.MTU {
		mtu = c.opts.MTU
	}

	c.mu.Lock()
	if c.closed == closed {
		c.conn.MTU = mtu
	}
	c.mu.Unlock()
}

// watch moves the link to LinkClosed when the peer drops it or the adapter
// goes away. It exits when the link closes for any reason.
func (c *ConnectionSession) watch(closed chan struct{}, events *subscription, deviceID string) {
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events.C:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case availabilityEvent:
				if !ev.available {
					slog.Warn("[BLE] adapter lost, closing link", "device", deviceID)
					c.teardown(closed, "adapter unavailable")
					return
				}
			case ConnectionChange:
				if ev.DeviceID != deviceID {
					continue
				}
				if ev.Connected {
					c.mu.Lock()
					if c.closed == closed {
						c.conn.Connected = true
					}
					c.mu.Unlock()
					continue
				}
				slog.Warn("[BLE] link dropped", "device", deviceID)
				c.teardown(closed, "peer disconnected")
				return
			}
		}
	}
}

// teardown moves the link identified by closed to LinkClosed and releases
// its subscriptions. Later calls for the same link are no-ops.
func (c *ConnectionSession) teardown(closed chan struct{}, reason string) bool {
	c.mu.Lock()
	if c.closed != closed || c.state == LinkClosed {
		c.mu.Unlock()
		return false
	}
	deviceID := c.conn.DeviceID
	c.state = LinkClosed
	c.conn.Connected = false
	events, notify := c.events, c.notify
	c.events, c.notify = nil, nil
	close(closed)
	c.mu.Unlock()

	c.adapter.markLink(deviceID, false)
	// cancel blocks until the channel is drained.
	go events.cancel()
	go notify.cancel()
	slog.Debug("[BLE] link closed", "device", deviceID, "reason", reason)
	return true
}

// link returns the current link if it is physically open.
func (c *ConnectionSession) link() (Connection, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.open() {
		return Connection{}, nil, ErrNotConnected
	}
	if !c.adapter.LinkUp(c.conn.DeviceID) {
		return Connection{}, nil, ErrNotConnected
	}
	return c.conn, c.closed, nil
}

// Services enumerates the services of the connected peripheral.
func (c *ConnectionSession) Services() ([]string, error) {
	conn, _, err := c.link()
	if err != nil {
		return nil, fmt.Errorf("ble: list services: %w", err)
	}
	services, err := c.adapter.platform.Services(conn.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("ble: list services of %s: %w: %w", conn.DeviceID, ErrServiceDiscovery, err)
	}
	return services, nil
}

// Characteristics enumerates the characteristics of serviceID.
func (c *ConnectionSession) Characteristics(serviceID string) ([]CharacteristicInfo, error) {
	conn, _, err := c.link()
	if err != nil {
		return nil, fmt.Errorf("ble: list characteristics: %w", err)
	}
	chars, err := c.adapter.platform.Characteristics(conn.DeviceID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("ble: list characteristics of %s: %w: %w", serviceID, ErrServiceDiscovery, err)
	}
	return chars, nil
}

// Subscribe enables notifications on characteristicID and starts a fresh
// receive sequence. On failure the link stays open but cannot receive.
func (c *ConnectionSession) Subscribe(serviceID, characteristicID string) error {
	conn, closed, err := c.link()
	if err != nil {
		return fmt.Errorf("ble: subscribe: %w: %w", ErrSubscriptionFailed, err)
	}

	// Listen first so no notification between enable and return is lost.
	notify := c.adapter.subscribe(topicCharacteristic)
	if err := c.adapter.platform.Subscribe(conn.DeviceID, serviceID, characteristicID, true); err != nil {
		go notify.cancel()
		return fmt.Errorf("ble: subscribe to %s: %w: %w", characteristicID, ErrSubscriptionFailed, err)
	}

	c.mu.Lock()
	if c.closed != closed || !c.state.open() {
		c.mu.Unlock()
		go notify.cancel()
		return fmt.Errorf("ble: subscribe to %s: %w: %w", characteristicID, ErrSubscriptionFailed, ErrNotConnected)
	}
	previous := c.notify
	c.notify = notify
	c.conn.ServiceID = serviceID
	c.conn.NotifyCharacteristicID = characteristicID
	c.state = LinkSubscribed
	c.mu.Unlock()

	go previous.cancel()
	slog.Info("[BLE] subscribed", "device", conn.DeviceID, "characteristic", characteristicID)
	return nil
}

// Unsubscribe disables notifications and ends the current receive sequence.
func (c *ConnectionSession) Unsubscribe() error {
	c.mu.Lock()
	if c.state != LinkSubscribed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	notify := c.notify
	c.notify = nil
	c.state = LinkNegotiating
	c.mu.Unlock()

	go notify.cancel()
	if err := c.adapter.platform.Subscribe(conn.DeviceID, conn.ServiceID, conn.NotifyCharacteristicID, false); err != nil {
		return fmt.Errorf("ble: unsubscribe from %s: %w: %w", conn.NotifyCharacteristicID, ErrSubscriptionFailed, err)
	}
	return nil
}

// Receive returns the frames notified on the subscribed characteristic.
// The sequence ends when the subscription ends, the link closes or ctx is
// done. Frames arriving before iteration starts are buffered.
func (c *ConnectionSession) Receive(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		c.mu.Lock()
		if c.state != LinkSubscribed || c.notify == nil {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		frames := c.notify.C
		c.mu.Unlock()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-frames:
				if !ok {
					return
				}
				v, isValue := ev.(CharacteristicValue)
				if !isValue || v.DeviceID != conn.DeviceID || !sameUUID(v.CharacteristicID, conn.NotifyCharacteristicID) {
					continue
				}
				if !yield(v.Value) {
					return
				}
			}
		}
	}
}

// ReceiveHex is Receive with each frame rendered as lowercase hex.
func (c *ConnectionSession) ReceiveHex(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for frame := range c.Receive(ctx) {
			if !yield(protocol.BytesToHex(frame)) {
				return
			}
		}
	}
}

// Send writes frame to the write characteristic, split into MTU-sized
// chunks. A rejected write is reported as ErrWriteFailed and not retried.
func (c *ConnectionSession) Send(frame []byte) error {
	conn, closed, err := c.link()
	if err != nil {
		return fmt.Errorf("ble: send: %w", err)
	}

	chunks := protocol.ChunkFrame(frame, protocol.PayloadSize(conn.MTU))
	for i, chunk := range chunks {
		if err := c.adapter.platform.Write(conn.DeviceID, conn.ServiceID, conn.WriteCharacteristicID, chunk); err != nil {
			return fmt.Errorf("ble: write to %s: %w: %w", conn.WriteCharacteristicID, ErrWriteFailed, err)
		}
		if i < len(chunks)-1 && c.opts.ChunkDelay > 0 {
			select {
			case <-closed:
				return fmt.Errorf("ble: send: %w: %w", ErrWriteFailed, ErrNotConnected)
			case <-time.After(c.opts.ChunkDelay):
			}
		}
	}
	slog.Debug("[BLE] frame sent", "bytes", len(frame), "chunks", len(chunks))
	return nil
}

// SendHex decodes a hex string and sends it as one frame.
func (c *ConnectionSession) SendHex(hex string) error {
	frame, err := protocol.HexToBytes(hex)
	if err != nil {
		return fmt.Errorf("ble: send: %w", err)
	}
	return c.Send(frame)
}

// Read performs a one-shot read of characteristicID.
func (c *ConnectionSession) Read(serviceID, characteristicID string) ([]byte, error) {
	conn, _, err := c.link()
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w: %w", characteristicID, ErrReadFailed, err)
	}
	data, err := c.adapter.platform.Read(conn.DeviceID, serviceID, characteristicID)
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w: %w", characteristicID, ErrReadFailed, err)
	}
	return data, nil
}

// Disconnect closes the link. It always succeeds; platform errors are logged.
func (c *ConnectionSession) Disconnect() error {
	c.mu.Lock()
	closed := c.closed
	deviceID := c.conn.DeviceID
	state := c.state
	c.mu.Unlock()

	if deviceID != "" && state != LinkClosed {
		if err := c.adapter.platform.Disconnect(deviceID); err != nil && !errors.Is(err, ErrNotConnected) {
			slog.Warn("[BLE] disconnect failed", "device", deviceID, "error", err)
		}
	}
	if closed != nil && c.teardown(closed, "local disconnect") {
		slog.Info("[BLE] disconnected", "device", deviceID)
	}
	return nil
}
