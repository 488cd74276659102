// Package nmeagps is a sensor.Provider backed by a serial NMEA GPS
// receiver. It keeps the most recent fix assembled from RMC and GGA
// sentences and serves it on request.
package nmeagps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"github.com/phuslu/log"

	"nuha.dev/geobeacon/internal/model"
	"nuha.dev/geobeacon/internal/sensor"
)

const knotsToMetersPerSecond = 0.514444

// Config selects the serial port the receiver is attached to.
type Config struct {
	PortName string // e.g. /dev/serial0, /dev/ttyUSB0
	BaudRate uint   // defaults to 9600
	// MaxFixAge is how long a fix stays servable. Defaults to 10s.
	MaxFixAge time.Duration
}

type Provider struct {
	cfg Config
	log log.Logger

	mu      sync.Mutex
	port    io.ReadCloser
	running bool
	fix     model.Position
	fixedAt time.Time
	haveFix bool
	alt     float64
	haveAlt bool
}

func New(cfg Config, logger log.Logger) *Provider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.MaxFixAge <= 0 {
		cfg.MaxFixAge = 10 * time.Second
	}
	p := &Provider{cfg: cfg}
	p.log = logger
	p.log.Context = log.NewContext(nil).Str("module", "nmeagps").Str("port", cfg.PortName).Value()
	return p
}

// Run opens the serial port and starts the read loop. A permission error
// on the port surfaces as sensor.ErrNotAuthorized.
func (p *Provider) Run() error {
	opts := serial.OpenOptions{
		PortName:        p.cfg.PortName,
		BaudRate:        p.cfg.BaudRate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	port, err := serial.Open(opts)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return sensor.ErrNotAuthorized
		}
		return fmt.Errorf("open %s: %w", p.cfg.PortName, err)
	}
	p.mu.Lock()
	p.port = port
	p.running = true
	p.mu.Unlock()
	p.log.Info().Uint("baud", p.cfg.BaudRate).Msg("gps serial port opened")
	go p.readLoop(port)
	return nil
}

// Stop closes the port, ending the read loop.
func (p *Provider) Stop() {
	p.mu.Lock()
	port := p.port
	p.port = nil
	p.running = false
	p.mu.Unlock()
	if port != nil {
		_ = port.Close()
	}
}

func (p *Provider) readLoop(port io.Reader) {
	r := bufio.NewReader(port)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if running {
				p.log.Error().Err(err).Msg("gps read failed")
			}
			return
		}
		p.consume(line)
	}
}

// consume parses one raw line and folds it into the current fix. Partial
// or garbled sentences are skipped; a noisy receiver is normal.
func (p *Provider) consume(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return
	}
	switch s.DataType() {
	case nmea.TypeRMC:
		m := s.(nmea.RMC)
		if m.Validity != "A" {
			return
		}
		p.mu.Lock()
		p.fix = model.NewPosition(
			m.Latitude, m.Longitude,
			p.fix.Accuracy,
			p.alt, p.fix.AltitudeAccuracy,
			m.Course,
			m.Speed*knotsToMetersPerSecond,
			"gps",
		)
		p.fixedAt = time.Now()
		p.haveFix = true
		p.mu.Unlock()
	case nmea.TypeGGA:
		m := s.(nmea.GGA)
		p.mu.Lock()
		p.alt = m.Altitude
		p.haveAlt = true
		p.mu.Unlock()
	}
}

// CurrentPosition serves the latest fix, failing with sensor.ErrNoFix
// when nothing recent enough is available.
func (p *Provider) CurrentPosition(_ context.Context) (model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveFix {
		return model.Position{}, sensor.ErrNoFix
	}
	if time.Since(p.fixedAt) > p.cfg.MaxFixAge {
		return model.Position{}, fmt.Errorf("%w: last fix is stale", sensor.ErrNoFix)
	}
	return p.fix, nil
}
