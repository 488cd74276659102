// Package manager owns the active transport channel. It builds channels
// from the persisted mode and server choice, exposes the unified
// connect/disconnect/send surface, fulfills inbound location requests
// from the position provider, and republishes channel activity on an
// in-process event bus.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"nuha.dev/geobeacon/internal/channel"
	"nuha.dev/geobeacon/internal/channel/ble"
	"nuha.dev/geobeacon/internal/channel/lan"
	"nuha.dev/geobeacon/internal/model"
	"nuha.dev/geobeacon/internal/sensor"
)

// Bus topics the manager emits on.
const (
	// TopicState carries channel.State values on every transition of the
	// live channel.
	TopicState = "transport.state"
	// TopicSubmitted carries *model.LocationPayload values after a
	// successful send.
	TopicSubmitted = "transport.submitted"
)

// ErrNotConfigured is returned by Connect and Send before a successful
// Configure call.
var ErrNotConfigured = channel.ErrNotConfigured

// Config carries the parameters shared by every channel the manager
// builds.
type Config struct {
	// ClientID identifies this installation in submitted payloads. A
	// random one is generated when empty.
	ClientID string
	// BLE is the template for bluetooth channels. Peripheral is filled in
	// later through BLE().SetPeripheral.
	BLE ble.Config
	// PollInterval overrides the LAN request-poll cadence when > 0.
	PollInterval time.Duration
}

// Stats is a snapshot of submission bookkeeping.
type Stats struct {
	Submissions   uint64
	LastSubmitted time.Time
}

// Manager serializes channel lifecycle operations. At most one channel is
// live at a time; reconfiguring tears the previous one down first.
type Manager struct {
	cfg      Config
	provider sensor.Provider
	bus      *bus.Bus
	log      log.Logger

	newBLE func(cfg ble.Config) channel.Channel
	newLAN func(cfg lan.Config) channel.Channel

	mu          sync.Mutex
	mode        model.TransportMode
	server      *model.ServerInfo
	ch          channel.Channel
	bleCh       *ble.Channel
	submissions uint64
	lastSubmit  time.Time
}

// New builds a manager publishing on a fresh bus. The provider supplies
// positions for outbound submissions and inbound request fulfillment.
func New(cfg Config, provider sensor.Provider, logger log.Logger) (*Manager, error) {
	b, err := newBus()
	if err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	m := &Manager{cfg: cfg, provider: provider, bus: b}
	m.log = logger
	m.log.Context = log.NewContext(nil).Str("module", "manager").Value()
	m.newBLE = func(c ble.Config) channel.Channel { return ble.New(c, logger) }
	m.newLAN = func(c lan.Config) channel.Channel { return lan.New(c, logger) }
	return m, nil
}

func newBus() (*bus.Bus, error) {
	node := uint64(1)
	initialTime := uint64(1577865600000)
	m, err := monoton.New(sequencer.NewMillisecond(), node, initialTime)
	if err != nil {
		return nil, err
	}
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicState, TopicSubmitted)
	return b, nil
}

// Bus exposes the event bus so callers can register handlers for the
// transport topics.
func (m *Manager) Bus() *bus.Bus {
	return m.bus
}

// Configure replaces the live channel with one for the given mode. The
// previous channel is detached and disconnected first, so a failed
// configure never leaves a stale channel behind. LAN mode requires a
// server.
func (m *Manager) Configure(mode model.TransportMode, server *model.ServerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()

	switch mode {
	case model.ModeBluetooth:
		cfg := m.cfg.BLE
		c := m.newBLE(cfg)
		m.bleCh, _ = c.(*ble.Channel)
		m.attachLocked(c)
	case model.ModeLAN:
		if server == nil {
			m.log.Warn().Msg("lan mode configured without a server")
			return ErrNotConfigured
		}
		cfg := lan.Config{Server: *server, PollInterval: m.cfg.PollInterval}
		m.attachLocked(m.newLAN(cfg))
	default:
		return errors.New("unknown transport mode: " + string(mode))
	}

	m.mode = mode
	m.server = server
	m.log.Info().Str("mode", string(mode)).Msg("transport configured")
	return nil
}

func (m *Manager) attachLocked(c channel.Channel) {
	c.OnStateChange(m.publishState)
	c.OnLocationRequest(m.onLocationRequest)
	m.ch = c
}

func (m *Manager) teardownLocked() {
	if m.ch == nil {
		return
	}
	m.ch.OnStateChange(nil)
	m.ch.OnLocationRequest(nil)
	m.ch.Disconnect()
	m.ch = nil
	m.bleCh = nil
	m.mode = ""
	m.server = nil
}

// BLE returns the live bluetooth channel, or nil when the manager is not
// in bluetooth mode. The setup flow uses it to assign the scanned
// peripheral before connecting.
func (m *Manager) BLE() *ble.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bleCh
}

// Mode reports the configured transport mode and server, if any.
func (m *Manager) Mode() (model.TransportMode, *model.ServerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.server
}

func (m *Manager) live() channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

// Connect establishes the live channel's connection.
func (m *Manager) Connect(ctx context.Context) error {
	c := m.live()
	if c == nil {
		return ErrNotConfigured
	}
	return c.Connect(ctx)
}

// Disconnect tears the live channel's connection down. The channel stays
// configured.
func (m *Manager) Disconnect() {
	c := m.live()
	if c == nil {
		return
	}
	c.Disconnect()
}

// State reports the live channel's state, or disconnected when none is
// configured.
func (m *Manager) State() channel.State {
	c := m.live()
	if c == nil {
		return channel.State{Status: channel.Disconnected}
	}
	return c.State()
}

// Submit reads the current position from the provider, wraps it in a
// payload and sends it over the live channel. Bookkeeping and the
// submitted event fire only on success.
func (m *Manager) Submit(ctx context.Context) error {
	c := m.live()
	if c == nil {
		return ErrNotConfigured
	}
	pos, err := m.provider.CurrentPosition(ctx)
	if err != nil {
		return err
	}
	payload := &model.LocationPayload{
		ClientID: m.cfg.ClientID,
		Time:     time.Now().UTC(),
		Position: pos,
	}
	if err := c.Send(ctx, payload); err != nil {
		return err
	}
	m.recordSubmission(payload)
	return nil
}

// Send transmits an already built payload over the live channel.
func (m *Manager) Send(ctx context.Context, payload *model.LocationPayload) error {
	c := m.live()
	if c == nil {
		return ErrNotConfigured
	}
	if err := c.Send(ctx, payload); err != nil {
		return err
	}
	m.recordSubmission(payload)
	return nil
}

func (m *Manager) recordSubmission(payload *model.LocationPayload) {
	m.mu.Lock()
	m.submissions++
	m.lastSubmit = payload.Time
	m.mu.Unlock()
	if err := m.bus.Emit(context.Background(), TopicSubmitted, payload); err != nil {
		m.log.Warn().Err(err).Msg("submitted event dropped")
	}
}

// Stats reports how many submissions succeeded and when the last one
// happened.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Submissions: m.submissions, LastSubmitted: m.lastSubmit}
}

func (m *Manager) publishState(s channel.State) {
	ev := m.log.Info()
	if s.Status == channel.Errored {
		ev = m.log.Warn()
	}
	ev.Str("status", s.Status.String()).Str("reason", s.Reason).Msg("channel state")
	if err := m.bus.Emit(context.Background(), TopicState, s); err != nil {
		m.log.Warn().Err(err).Msg("state event dropped")
	}
}

// onLocationRequest runs off the channel's notification path, so the
// provider read and send happen on their own goroutine.
func (m *Manager) onLocationRequest() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.Submit(ctx); err != nil {
			m.log.Warn().Err(err).Msg("location request not fulfilled")
		}
	}()
}
