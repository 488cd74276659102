// Package ble implements the Bluetooth Low Energy transport channel: one
// well-known GATT service and characteristic, newline-framed chunked
// writes, and inbound notifications treated as location requests.
package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"nuha.dev/geobeacon/internal/channel"
	"nuha.dev/geobeacon/internal/model"
)

const (
	// ServiceUUID is the well-known GATT service advertised by servers.
	ServiceUUID = "8d8e34b0-79a4-4b7e-9d7f-2f04a6c1d3aa"
	// CharacteristicUUID carries both outbound submissions and inbound
	// request notifications.
	CharacteristicUUID = "8d8e34b1-79a4-4b7e-9d7f-2f04a6c1d3aa"
	// DeviceName is the advertised name servers use.
	DeviceName = "GeoBeacon"

	// defaultChunkSize is the write size used when the link reports no
	// negotiated MTU.
	defaultChunkSize = 185
)

// Config carries the parameters of one BLE channel instance.
type Config struct {
	// Peripheral is the address of the chosen server peripheral.
	Peripheral string
	// ServiceUUID and CharacteristicUUID default to the well-known pair.
	ServiceUUID        string
	CharacteristicUUID string
	// ChunkSize overrides the negotiated write size when > 0.
	ChunkSize int
}

type Channel struct {
	cfg  Config
	link gattLink
	log  log.Logger

	mu         sync.Mutex
	state      channel.State
	connecting bool
	// gen is bumped by every Disconnect; a Connect carrying a stale
	// generation aborts instead of resurrecting the connection.
	gen       uint64
	onState   func(channel.State)
	onRequest func()
}

// New builds a BLE channel on the platform Bluetooth stack.
func New(cfg Config, logger log.Logger) *Channel {
	return newWithLink(cfg, newTinygoLink(), logger)
}

func newWithLink(cfg Config, link gattLink, logger log.Logger) *Channel {
	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = ServiceUUID
	}
	if cfg.CharacteristicUUID == "" {
		cfg.CharacteristicUUID = CharacteristicUUID
	}
	c := &Channel{cfg: cfg, link: link}
	c.log = logger
	c.log.Context = log.NewContext(nil).Str("module", "ble-channel").Str("peripheral", cfg.Peripheral).Value()
	c.state = channel.State{Status: channel.Disconnected}
	return c
}

func (c *Channel) State() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) OnStateChange(fn func(channel.State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Channel) OnLocationRequest(fn func()) {
	c.mu.Lock()
	c.onRequest = fn
	c.mu.Unlock()
}

func (c *Channel) setState(s channel.State) {
	c.mu.Lock()
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// setStateIfCurrent applies s only when no Disconnect happened since the
// caller observed gen. Reports whether the transition was applied.
func (c *Channel) setStateIfCurrent(s channel.State, gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return true
}

// SetPeripheral picks the peripheral the next Connect targets. Called by
// the setup flow after scanning.
func (c *Channel) SetPeripheral(address string) {
	c.mu.Lock()
	c.cfg.Peripheral = address
	c.mu.Unlock()
}

// Connect runs the full GATT handshake against the configured peripheral:
// platform connect, service discovery, characteristic discovery, then
// notification subscription. Only a successful subscription yields the
// connected state; any earlier failure leaves the channel in error.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	address := c.cfg.Peripheral
	c.mu.Unlock()
	return c.connect(ctx, address)
}

// Reattach re-establishes a connection to a previously connected
// peripheral after a process relaunch, resuming service discovery without
// a fresh scan.
func (c *Channel) Reattach(ctx context.Context, address string) error {
	c.mu.Lock()
	c.cfg.Peripheral = address
	c.mu.Unlock()
	return c.connect(ctx, address)
}

func (c *Channel) connect(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return channel.ErrConnectBusy
	}
	c.connecting = true
	gen := c.gen
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if address == "" {
		err := fmt.Errorf("%w: no peripheral selected", channel.ErrConnectFailed)
		c.setStateIfCurrent(channel.State{Status: channel.Errored, Reason: err.Error()}, gen)
		return err
	}

	c.setStateIfCurrent(channel.State{Status: channel.Connecting}, gen)

	steps := []struct {
		name string
		run  func() error
	}{
		{"connect", func() error { return c.link.Connect(ctx, address) }},
		{"discover service", func() error { return c.link.DiscoverService(c.cfg.ServiceUUID) }},
		{"discover characteristic", func() error { return c.link.DiscoverCharacteristic(c.cfg.CharacteristicUUID) }},
		{"subscribe", func() error { return c.link.Subscribe(c.handleNotification) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			c.log.Error().Err(err).Str("step", step.name).Msg("handshake failed")
			_ = c.link.Disconnect()
			c.setStateIfCurrent(channel.State{Status: channel.Errored, Reason: err.Error()}, gen)
			return fmt.Errorf("%w: %s: %v", channel.ErrConnectFailed, step.name, err)
		}
	}
	// A Disconnect that overlapped the handshake wins: drop the platform
	// connection instead of going connected.
	if !c.setStateIfCurrent(channel.State{Status: channel.Connected}, gen) {
		_ = c.link.Disconnect()
		return fmt.Errorf("%w: disconnected during handshake", channel.ErrConnectFailed)
	}
	c.log.Info().Str("peripheral", address).Msg("connected")
	return nil
}

// Disconnect drops the peripheral and settles on disconnected from any
// state. Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	if err := c.link.Disconnect(); err != nil {
		c.log.Warn().Err(err).Msg("platform disconnect failed")
	}
	c.setState(channel.State{Status: channel.Disconnected})
	c.log.Info().Msg("disconnected")
}

// Send serializes the payload, appends the frame terminator, and writes
// the buffer in chunks no larger than the negotiated write size. Each
// chunk is awaited before the next is issued.
func (c *Channel) Send(ctx context.Context, p *model.LocationPayload) error {
	if c.State().Status != channel.Connected {
		return channel.ErrNotConnected
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
	}
	size := c.cfg.ChunkSize
	if size <= 0 {
		size = c.link.MTU()
	}
	chunks := chunkFrame(payload, size)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
		}
		// A disconnect racing the send aborts the remaining chunks; a
		// half-written frame is discarded by the peer at the missing
		// terminator.
		if c.State().Status != channel.Connected {
			return channel.ErrNotConnected
		}
		if err := c.link.Write(chunk); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %v", channel.ErrSendFailed, i+1, len(chunks), err)
		}
	}
	return nil
}

func (c *Channel) handleNotification(data []byte) {
	if !isLocationRequest(data) {
		return
	}
	c.mu.Lock()
	fn := c.onRequest
	connected := c.state.Status == channel.Connected
	c.mu.Unlock()
	if fn != nil && connected {
		c.log.Debug().Msg("location request received")
		fn()
	}
}
