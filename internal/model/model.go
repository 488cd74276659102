// Package model holds the wire-level and configuration data types shared
// by the channels, discovery and the transport manager.
package model

import (
	"net"
	"strconv"
	"time"
)

// TransportMode selects which channel implementation is instantiated.
// It is chosen once during setup and persisted.
type TransportMode string

const (
	ModeBluetooth TransportMode = "bluetooth"
	ModeLAN       TransportMode = "lan"
)

// ServerInfo identifies a discovered or manually entered LAN server.
// Identity is (host, port) only; the remaining fields are advertised
// metadata and do not participate in equality, so re-discovery of a
// renamed server never produces a duplicate.
type ServerInfo struct {
	Host        string   `json:"host" validate:"required"`
	Port        int      `json:"port" validate:"required,min=1,max=65535"`
	Fingerprint string   `json:"cert_fingerprint,omitempty"`
	Version     string   `json:"version,omitempty"`
	Paths       []string `json:"paths,omitempty"`
}

// Key returns the identity of the server as "host:port".
func (s ServerInfo) Key() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Same reports whether o names the same server, comparing address only.
func (s ServerInfo) Same(o ServerInfo) bool {
	return s.Host == o.Host && s.Port == o.Port
}

// Position is a single location fix. Create it with NewPosition so that
// invalid (negative) heading and speed readings are clamped to zero.
type Position struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Accuracy         float64 `json:"accuracy"`
	Altitude         float64 `json:"altitude"`
	AltitudeAccuracy float64 `json:"altitude_accuracy"`
	Heading          float64 `json:"heading"`
	Speed            float64 `json:"speed"`
	Source           string  `json:"source,omitempty"`
}

// NewPosition builds a Position, clamping negative heading and speed to
// zero. Platform sensors report -1 for either when no valid reading is
// available.
func NewPosition(lat, lon, acc, alt, altAcc, heading, speed float64, source string) Position {
	if heading < 0 {
		heading = 0
	}
	if speed < 0 {
		speed = 0
	}
	return Position{
		Latitude:         lat,
		Longitude:        lon,
		Accuracy:         acc,
		Altitude:         alt,
		AltitudeAccuracy: altAcc,
		Heading:          heading,
		Speed:            speed,
		Source:           source,
	}
}

// CellTower is one observed cell, reported alongside a fix when the radio
// stack exposes it.
type CellTower struct {
	Radio          string `json:"radio"`
	MCC            int    `json:"mcc"`
	MNC            int    `json:"mnc"`
	LAC            int    `json:"lac"`
	CID            int64  `json:"cid"`
	Age            int64  `json:"age,omitempty"`
	SignalStrength int    `json:"signal_strength,omitempty"`
}

// LocationPayload is the envelope serialized for one send. It is built
// fresh per submission and discarded afterwards.
type LocationPayload struct {
	ClientID   string      `json:"client_id,omitempty"`
	Time       time.Time   `json:"time"`
	Position   Position    `json:"position"`
	CellTowers []CellTower `json:"cell_towers,omitempty"`
}
