package ble

import "context"

// Peripheral is one device seen while scanning.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int16
}

// gattLink is the platform surface the channel drives: one peripheral,
// one service, one characteristic. tinygoLink implements it over
// tinygo.org/x/bluetooth; tests substitute a fake. Splitting the protocol
// steps keeps each failure mode of the connect sequence observable.
type gattLink interface {
	// Scan streams discovered peripherals until StopScan; it blocks.
	Scan(found func(Peripheral)) error
	StopScan() error

	// Connect attaches to the peripheral at the given address.
	Connect(ctx context.Context, address string) error
	// DiscoverService locates the well-known service on the connected
	// peripheral.
	DiscoverService(uuid string) error
	// DiscoverCharacteristic locates the well-known characteristic within
	// the discovered service.
	DiscoverCharacteristic(uuid string) error
	// Subscribe enables notifications on the discovered characteristic.
	Subscribe(notify func([]byte)) error

	// Write transmits one chunk and returns once the link has taken it.
	Write(chunk []byte) error
	// MTU is the negotiated maximum write size.
	MTU() int

	Disconnect() error
}
