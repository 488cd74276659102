// Package lan implements the HTTPS transport channel. Connect probes the
// server's status endpoint, then a poll loop watches the request endpoint
// for inbound location requests. The TLS handshake authenticates the
// server by pinned certificate fingerprint instead of a CA chain.
package lan

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/geobeacon/internal/channel"
	"nuha.dev/geobeacon/internal/fingerprint"
	"nuha.dev/geobeacon/internal/model"
)

const (
	statusPath  = "/status"
	requestPath = "/request"
	submitPath  = "/submit"

	// RequestKeyword marks a poll response as an inbound location
	// request. Matching is case-insensitive and substring based.
	RequestKeyword = "request"
)

// Config carries the parameters of one LAN channel instance.
type Config struct {
	Server model.ServerInfo
	// PollInterval is the fixed delay between request-endpoint polls.
	// Defaults to 5s.
	PollInterval time.Duration
	// HTTPTimeout bounds each individual HTTP call. Defaults to 10s.
	HTTPTimeout time.Duration
}

type Channel struct {
	cfg    Config
	base   string
	client *http.Client
	log    log.Logger

	mu         sync.Mutex
	state      channel.State
	connecting bool
	// gen is bumped by every Disconnect; a Connect carrying a stale
	// generation aborts instead of resurrecting the connection.
	gen        uint64
	cancelPoll context.CancelFunc
	onState    func(channel.State)
	onRequest  func()

	poll_failures uint64
}

// New builds a LAN channel for the given server. The returned channel is
// disconnected; nothing runs until Connect.
func New(cfg Config, logger log.Logger) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	c := &Channel{cfg: cfg}
	c.log = logger
	c.log.Context = log.NewContext(nil).Str("module", "lan-channel").Str("server", cfg.Server.Key()).Value()
	c.base = "https://" + cfg.Server.Key()
	c.state = channel.State{Status: channel.Disconnected}
	pin := cfg.Server.Fingerprint
	c.client = &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				// The server presents a self-signed or ad hoc
				// certificate; the pinned fingerprint is the sole
				// authentication mechanism.
				InsecureSkipVerify: true,
				VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
					return verifyPinned(rawCerts, pin)
				},
			},
		},
	}
	return c
}

// verifyPinned checks the leaf certificate against the configured
// fingerprint. An empty fingerprint accepts any certificate: an explicit
// trust relaxation for closed local networks, not an oversight.
func verifyPinned(rawCerts [][]byte, pin string) error {
	if pin == "" {
		return nil
	}
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no peer certificate", channel.ErrCertMismatch)
	}
	if !fingerprint.Match(rawCerts[0], pin) {
		return fmt.Errorf("%w: got %s", channel.ErrCertMismatch, fingerprint.Digest(rawCerts[0]))
	}
	return nil
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

// PollFailures returns the number of swallowed poll-loop failures since
// the last successful connect. Failures never affect connection state.
func (c *Channel) PollFailures() uint64 {
	return atomic.LoadUint64(&c.poll_failures)
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

// Connect issues a single GET against the status endpoint. Success starts
// the poll loop; any transport failure or non-2xx status leaves the
// channel in the error state.
func (c *Channel) Connect(ctx context.Context) error {
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

	c.setStateIfCurrent(channel.State{Status: channel.Connecting}, gen)
	err := c.get(ctx, statusPath, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("status probe failed")
		c.setStateIfCurrent(channel.State{Status: channel.Errored, Reason: err.Error()}, gen)
		if isCertMismatch(err) {
			return fmt.Errorf("%w: %v", channel.ErrCertMismatch, err)
		}
		return fmt.Errorf("%w: %v", channel.ErrConnectFailed, err)
	}

	atomic.StoreUint64(&c.poll_failures, 0)
	pollCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	// A Disconnect that overlapped the probe wins: no poll loop, no
	// connected state.
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: disconnected during handshake", channel.ErrConnectFailed)
	}
	c.cancelPoll = cancel
	c.state = channel.State{Status: channel.Connected}
	fn := c.onState
	c.mu.Unlock()
	go c.pollLoop(pollCtx)
	if fn != nil {
		fn(channel.State{Status: channel.Connected})
	}
	c.log.Info().Msg("connected")
	return nil
}

// Disconnect cancels the poll loop and settles on disconnected. Safe to
// call repeatedly and from any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	cancel := c.cancelPoll
	c.cancelPoll = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.setState(channel.State{Status: channel.Disconnected})
	c.log.Info().Msg("disconnected")
}

// Send POSTs one serialized payload to the submit endpoint.
func (c *Channel) Send(ctx context.Context, p *model.LocationPayload) error {
	if c.State().Status != channel.Connected {
		return channel.ErrNotConnected
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+submitPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%w: submit returned %d", channel.ErrSendFailed, res.StatusCode)
	}
	return nil
}

// pollLoop polls the request endpoint on a fixed interval until its
// context is cancelled. Poll failures are logged and swallowed so a flaky
// network never flips the state away from connected.
func (c *Channel) pollLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var body []byte
		err := c.get(ctx, requestPath, &body)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n := atomic.AddUint64(&c.poll_failures, 1)
			c.log.Warn().Err(err).Uint64("consecutive", n).Msg("poll failed")
			continue
		}
		atomic.StoreUint64(&c.poll_failures, 0)
		if !strings.Contains(strings.ToLower(string(body)), RequestKeyword) {
			continue
		}
		c.mu.Lock()
		fn := c.onRequest
		c.mu.Unlock()
		// A disconnect racing the poll response must win: never deliver a
		// request after the channel left the connected state.
		if ctx.Err() != nil || c.State().Status != channel.Connected {
			return
		}
		if fn != nil {
			c.log.Debug().Msg("location request received")
			fn()
		}
	}
}

func (c *Channel) get(ctx context.Context, path string, body *[]byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	d, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%s returned %d", path, res.StatusCode)
	}
	if body != nil {
		*body = d
	}
	return nil
}

// isCertMismatch walks the unwrap chain; the verify callback's error
// travels through net/http wrapped but intact.
func isCertMismatch(err error) bool {
	return errors.Is(err, channel.ErrCertMismatch)
}
