// Package discovery locates LAN servers advertised over mDNS. Browsing
// has its own start/stop lifecycle: the setup flow runs it while the user
// picks a server, and the LAN channel itself never re-discovers.
package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/phuslu/log"

	"nuha.dev/geobeacon/internal/model"
)

const (
	// ServiceType is the well-known mDNS service advertisement type.
	ServiceType = "_geobeacon._tcp"
	// Domain is the browse domain.
	Domain = "local."

	// TXT record keys advertisers attach and browsers parse.
	TXTVersion     = "version"
	TXTFingerprint = "cert_fingerprint"
	TXTPaths       = "paths"
)

// Config carries the discovery parameters.
type Config struct {
	Service string        // defaults to ServiceType
	Domain  string        // defaults to Domain
	// RetryDelay is the fixed pause before restarting a failed browse.
	RetryDelay time.Duration // defaults to 2s
	// MaxAttempts bounds browse restarts; exhausting them leaves
	// discovery stopped with the last failure kept for diagnostics.
	MaxAttempts int // defaults to 5
	// ResolveTimeout bounds each per-result address resolution.
	ResolveTimeout time.Duration // defaults to 3s
}

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type lookupFunc func(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

type Discovery struct {
	cfg    Config
	log    log.Logger
	browse browseFunc
	lookup lookupFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	byHost  map[string]bool
	servers []model.ServerInfo
	onFound func(model.ServerInfo)
	lastErr error
}

// New builds a discovery instance using the system mDNS stack.
func New(cfg Config, logger log.Logger) *Discovery {
	d := newWith(cfg, realBrowse, realLookup, logger)
	return d
}

func newWith(cfg Config, browse browseFunc, lookup lookupFunc, logger log.Logger) *Discovery {
	if cfg.Service == "" {
		cfg.Service = ServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = Domain
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 3 * time.Second
	}
	d := &Discovery{cfg: cfg, browse: browse, lookup: lookup}
	d.log = logger
	d.log.Context = log.NewContext(nil).Str("module", "discovery").Str("service", cfg.Service).Value()
	return d
}

func realBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

func realLookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return r.Lookup(ctx, instance, service, domain, entries)
}

// OnServerFound registers a callback invoked for each newly resolved,
// de-duplicated server. Results appear incrementally.
func (d *Discovery) OnServerFound(fn func(model.ServerInfo)) {
	d.mu.Lock()
	d.onFound = fn
	d.mu.Unlock()
}

// StartBrowsing resets accumulated results and begins watching for
// advertisements. Starting while already running is a no-op.
func (d *Discovery) StartBrowsing() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.byHost = make(map[string]bool)
	d.servers = nil
	d.lastErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	go d.browseLoop(ctx)
	d.log.Info().Msg("browsing started")
}

// StopBrowsing cancels the browser and every in-flight resolution.
// Idempotent.
func (d *Discovery) StopBrowsing() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.running = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.log.Info().Msg("browsing stopped")
	}
}

// Servers returns a snapshot of the resolved result list.
func (d *Discovery) Servers() []model.ServerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.ServerInfo, len(d.servers))
	copy(out, d.servers)
	return out
}

// LastError reports the most recent browser failure, if any.
func (d *Discovery) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// browseLoop starts the browse operation, restarting it after a fixed
// delay when it fails to start, up to the configured attempt bound.
func (d *Discovery) browseLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		entries := make(chan *zeroconf.ServiceEntry, 8)
		err := d.browse(ctx, d.cfg.Service, d.cfg.Domain, entries)
		if err == nil {
			var wg sync.WaitGroup
			for e := range entries {
				if e == nil {
					continue
				}
				wg.Add(1)
				entry := e
				go func() {
					defer wg.Done()
					d.resolveEntry(ctx, entry)
				}()
			}
			wg.Wait()
			return
		}

		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
		d.log.Warn().Err(err).Int("attempt", attempt).Msg("browse failed")
		if attempt >= d.cfg.MaxAttempts {
			d.log.Error().Err(err).Msg("browse retries exhausted, discovery stopped")
			d.mu.Lock()
			d.running = false
			cancel := d.cancel
			d.cancel = nil
			d.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.RetryDelay):
		}
	}
}

// resolveEntry turns one advertisement into a usable server record. An
// advertisement without a routable address is resolved with a dedicated
// lookup; resolutions are independent and unordered.
func (d *Discovery) resolveEntry(ctx context.Context, e *zeroconf.ServiceEntry) {
	if len(e.AddrIPv4) == 0 && len(e.AddrIPv6) == 0 {
		rctx, cancel := context.WithTimeout(ctx, d.cfg.ResolveTimeout)
		defer cancel()
		ch := make(chan *zeroconf.ServiceEntry, 1)
		if err := d.lookup(rctx, e.Instance, e.Service, e.Domain, ch); err != nil {
			d.log.Warn().Err(err).Str("instance", e.Instance).Msg("resolve failed")
			return
		}
		select {
		case r, ok := <-ch:
			if ok && r != nil {
				e = r
			}
		case <-rctx.Done():
		}
		if len(e.AddrIPv4) == 0 && len(e.AddrIPv6) == 0 {
			d.log.Warn().Str("instance", e.Instance).Msg("advertisement did not resolve to an address")
			return
		}
	}
	si := entryToServer(e)
	d.add(si)
}

// add appends a resolved record unless a server at the same host is
// already listed. De-duplication is by host, not by name: a server may
// still advertise under a stale name after an address change.
func (d *Discovery) add(si model.ServerInfo) {
	d.mu.Lock()
	if !d.running || d.byHost[si.Host] {
		d.mu.Unlock()
		return
	}
	d.byHost[si.Host] = true
	d.servers = append(d.servers, si)
	fn := d.onFound
	d.mu.Unlock()
	d.log.Info().Str("host", si.Host).Int("port", si.Port).Str("version", si.Version).Msg("server found")
	if fn != nil {
		fn(si)
	}
}

// entryToServer maps a resolved advertisement to a ServerInfo.
func entryToServer(e *zeroconf.ServiceEntry) model.ServerInfo {
	si := model.ServerInfo{Port: e.Port}
	if len(e.AddrIPv4) > 0 {
		si.Host = e.AddrIPv4[0].String()
	} else if len(e.AddrIPv6) > 0 {
		si.Host = e.AddrIPv6[0].String()
	} else {
		si.Host = strings.TrimSuffix(e.HostName, ".")
	}
	si.Version, si.Fingerprint, si.Paths = parseTXT(e.Text)
	return si
}

// parseTXT extracts the metadata keys of interest from TXT records.
// Unknown keys are ignored. The paths value is a comma-space separated
// list.
func parseTXT(text []string) (version, fp string, paths []string) {
	for _, kv := range text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case TXTVersion:
			version = v
		case TXTFingerprint:
			fp = v
		case TXTPaths:
			for _, p := range strings.Split(v, ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					paths = append(paths, p)
				}
			}
		}
	}
	return version, fp, paths
}
