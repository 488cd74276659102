package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"

	"nuha.dev/geobeacon/internal/channel"
	"nuha.dev/geobeacon/internal/channel/ble"
	"nuha.dev/geobeacon/internal/channel/lan"
	"nuha.dev/geobeacon/internal/model"
	"nuha.dev/geobeacon/internal/sensor"
)

type fakeChannel struct {
	mu          sync.Mutex
	state       channel.State
	onState     func(channel.State)
	onRequest   func()
	sent        []*model.LocationPayload
	connects    int
	disconnects int
	connectErr  error
	sendErr     error
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) OnStateChange(fn func(channel.State)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnLocationRequest(fn func()) {
	f.mu.Lock()
	f.onRequest = fn
	f.mu.Unlock()
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()
	return err
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeChannel) Send(ctx context.Context, p *model.LocationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeChannel) fireState(s channel.State) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeChannel) fireRequest() {
	f.mu.Lock()
	fn := f.onRequest
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeChannel) callbacks() (func(channel.State), func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onState, f.onRequest
}

func newTestManager(t *testing.T) (*Manager, *fakeChannel) {
	t.Helper()
	prov := sensor.NewStatic(model.NewPosition(52.1, 4.3, 5, 0, 0, 0, 0, "test"))
	m, err := New(Config{ClientID: "client-1"}, prov, log.Logger{Writer: log.IOWriter{Writer: testWriter{t}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fc := &fakeChannel{}
	m.newBLE = func(cfg ble.Config) channel.Channel { return fc }
	m.newLAN = func(cfg lan.Config) channel.Channel { return fc }
	return m, fc
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestConnectBeforeConfigure(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Connect(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if err := m.Submit(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if st := m.State(); st.Status != channel.Disconnected {
		t.Fatalf("got %v, want disconnected", st.Status)
	}
}

func TestConfigureLANRequiresServer(t *testing.T) {
	m, fc := newTestManager(t)
	if err := m.Configure(model.ModeLAN, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("connect after failed configure: %v", err)
	}
	if fc.connects != 0 {
		t.Fatal("channel must not be built without a server")
	}
}

func TestConfigureAndDelegate(t *testing.T) {
	m, fc := newTestManager(t)
	srv := &model.ServerInfo{Host: "10.0.0.5", Port: 8443}
	if err := m.Configure(model.ModeLAN, srv); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	mode, got := m.Mode()
	if mode != model.ModeLAN || got != srv {
		t.Fatalf("Mode() = %v, %v", mode, got)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Disconnect()
	if fc.connects != 1 || fc.disconnects != 1 {
		t.Fatalf("connects=%d disconnects=%d", fc.connects, fc.disconnects)
	}
}

func TestReconfigureTearsDownPreviousChannel(t *testing.T) {
	m, fc := newTestManager(t)
	if err := m.Configure(model.ModeBluetooth, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	second := &fakeChannel{}
	m.newLAN = func(cfg lan.Config) channel.Channel { return second }
	if err := m.Configure(model.ModeLAN, &model.ServerInfo{Host: "h", Port: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if fc.disconnects != 1 {
		t.Fatal("previous channel not disconnected")
	}
	onState, onRequest := fc.callbacks()
	if onState != nil || onRequest != nil {
		t.Fatal("previous channel callbacks not detached")
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if second.connects != 1 || fc.connects != 0 {
		t.Fatal("connect went to the wrong channel")
	}
}

func TestSubmitBuildsPayloadAndCounts(t *testing.T) {
	m, fc := newTestManager(t)
	if err := m.Configure(model.ModeLAN, &model.ServerInfo{Host: "h", Port: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	before := time.Now().UTC()
	if err := m.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(fc.sent) != 1 {
		t.Fatalf("sent %d payloads", len(fc.sent))
	}
	p := fc.sent[0]
	if p.ClientID != "client-1" {
		t.Fatalf("client id %q", p.ClientID)
	}
	if p.Position.Latitude != 52.1 || p.Position.Longitude != 4.3 {
		t.Fatalf("position %+v", p.Position)
	}
	if p.Time.Before(before) {
		t.Fatalf("payload time %v predates submit", p.Time)
	}
	st := m.Stats()
	if st.Submissions != 1 || !st.LastSubmitted.Equal(p.Time) {
		t.Fatalf("stats %+v", st)
	}
}

func TestSubmitProviderErrorSkipsSend(t *testing.T) {
	prov := sensor.NewStatic(model.Position{})
	prov.SetError(sensor.ErrNoFix)
	m, err := New(Config{ClientID: "c"}, prov, log.Logger{Writer: log.IOWriter{Writer: testWriter{t}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fc := &fakeChannel{}
	m.newLAN = func(cfg lan.Config) channel.Channel { return fc }
	if err := m.Configure(model.ModeLAN, &model.ServerInfo{Host: "h", Port: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := m.Submit(context.Background()); !errors.Is(err, sensor.ErrNoFix) {
		t.Fatalf("got %v, want ErrNoFix", err)
	}
	if len(fc.sent) != 0 || m.Stats().Submissions != 0 {
		t.Fatal("failed submit must not send or count")
	}
}

func TestSendFailureNotCounted(t *testing.T) {
	m, fc := newTestManager(t)
	fc.sendErr = channel.ErrSendFailed
	if err := m.Configure(model.ModeLAN, &model.ServerInfo{Host: "h", Port: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := m.Submit(context.Background()); !errors.Is(err, channel.ErrSendFailed) {
		t.Fatalf("got %v, want ErrSendFailed", err)
	}
	if m.Stats().Submissions != 0 {
		t.Fatal("failed send counted")
	}
}

func TestStateRepublishedOnBus(t *testing.T) {
	m, fc := newTestManager(t)
	if err := m.Configure(model.ModeBluetooth, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	states := make(chan channel.State, 4)
	m.Bus().RegisterHandler("test-state", bus.Handler{
		Matcher: TopicState,
		Handle: func(ctx context.Context, e bus.Event) {
			if s, ok := e.Data.(channel.State); ok {
				states <- s
			}
		},
	})
	fc.fireState(channel.State{Status: channel.Connecting})
	fc.fireState(channel.State{Status: channel.Errored, Reason: "timeout"})
	select {
	case s := <-states:
		if s.Status != channel.Connecting {
			t.Fatalf("first event %v", s.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state event")
	}
	select {
	case s := <-states:
		if s.Status != channel.Errored || s.Reason != "timeout" {
			t.Fatalf("second event %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no second state event")
	}
}

func TestSubmittedEventOnBus(t *testing.T) {
	m, fc := newTestManager(t)
	if err := m.Configure(model.ModeLAN, &model.ServerInfo{Host: "h", Port: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	payloads := make(chan *model.LocationPayload, 1)
	m.Bus().RegisterHandler("test-submitted", bus.Handler{
		Matcher: TopicSubmitted,
		Handle: func(ctx context.Context, e bus.Event) {
			if p, ok := e.Data.(*model.LocationPayload); ok {
				payloads <- p
			}
		},
	})
	if err := m.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case p := <-payloads:
		if p != fc.sent[0] {
			t.Fatal("event payload differs from sent payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no submitted event")
	}
}

func TestLocationRequestTriggersSubmit(t *testing.T) {
	m, fc := newTestManager(t)
	if err := m.Configure(model.ModeBluetooth, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	fc.fireRequest()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		n := len(fc.sent)
		fc.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("location request did not produce a submission")
}

func TestConfigureBluetoothCarriesStoredPeripheral(t *testing.T) {
	prov := sensor.NewStatic(model.Position{})
	m, err := New(Config{ClientID: "c", BLE: ble.Config{Peripheral: "AA:BB:CC:DD:EE:FF"}}, prov,
		log.Logger{Writer: log.IOWriter{Writer: testWriter{t}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got ble.Config
	fc := &fakeChannel{}
	m.newBLE = func(cfg ble.Config) channel.Channel {
		got = cfg
		return fc
	}
	if err := m.Configure(model.ModeBluetooth, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got.Peripheral != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("channel built with peripheral %q", got.Peripheral)
	}
}

func TestBLEAccessor(t *testing.T) {
	prov := sensor.NewStatic(model.Position{})
	m, err := New(Config{ClientID: "c"}, prov, log.Logger{Writer: log.IOWriter{Writer: testWriter{t}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.BLE() != nil {
		t.Fatal("BLE() before configure")
	}
	if err := m.Configure(model.ModeBluetooth, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if m.BLE() == nil {
		t.Fatal("BLE() nil in bluetooth mode")
	}
	if err := m.Configure(model.ModeLAN, &model.ServerInfo{Host: "h", Port: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if m.BLE() != nil {
		t.Fatal("BLE() non-nil in lan mode")
	}
}
