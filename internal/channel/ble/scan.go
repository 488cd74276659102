package ble

import (
	"strings"
	"sync"

	"github.com/phuslu/log"
)

// Scanner discovers nearby server peripherals. Its lifecycle is
// independent of the channel: setup starts it to present candidates and
// stops it once the user has picked one. Results accumulate in arrival
// order; duplicates by address are suppressed.
type Scanner struct {
	link gattLink
	log  log.Logger

	// NameFilter keeps only peripherals whose advertised name contains
	// the string. Defaults to DeviceName; set to "" to keep everything.
	NameFilter string

	mu      sync.Mutex
	running bool
	seen    map[string]bool
	results []Peripheral
	onFound func(Peripheral)
}

// NewScanner builds a scanner on the platform Bluetooth stack.
func NewScanner(logger log.Logger) *Scanner {
	return newScannerWithLink(newTinygoLink(), logger)
}

func newScannerWithLink(link gattLink, logger log.Logger) *Scanner {
	s := &Scanner{link: link, NameFilter: DeviceName}
	s.log = logger
	s.log.Context = log.NewContext(nil).Str("module", "ble-scanner").Value()
	return s
}

// OnFound registers a callback invoked for each newly accepted result.
func (s *Scanner) OnFound(fn func(Peripheral)) {
	s.mu.Lock()
	s.onFound = fn
	s.mu.Unlock()
}

// Start resets accumulated results and begins scanning. Starting an
// already running scanner is a no-op.
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.seen = make(map[string]bool)
	s.results = nil
	s.mu.Unlock()

	go func() {
		err := s.link.Scan(s.handleResult)
		if err != nil {
			s.log.Error().Err(err).Msg("scan terminated")
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	s.log.Info().Msg("scan started")
}

// Stop ends the scan. Idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	if err := s.link.StopScan(); err != nil {
		s.log.Warn().Err(err).Msg("stop scan failed")
	}
	s.log.Info().Msg("scan stopped")
}

// Peripherals returns a snapshot of accepted results in arrival order.
func (s *Scanner) Peripherals() []Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peripheral, len(s.results))
	copy(out, s.results)
	return out
}

func (s *Scanner) handleResult(p Peripheral) {
	if s.NameFilter != "" && !strings.Contains(p.Name, s.NameFilter) {
		return
	}
	s.mu.Lock()
	if !s.running || s.seen[p.Address] {
		s.mu.Unlock()
		return
	}
	s.seen[p.Address] = true
	s.results = append(s.results, p)
	fn := s.onFound
	s.mu.Unlock()
	s.log.Debug().Str("address", p.Address).Str("name", p.Name).Msg("peripheral found")
	if fn != nil {
		fn(p)
	}
}
