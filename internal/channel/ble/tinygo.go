package ble

import (
	"context"
	"fmt"

	"tinygo.org/x/bluetooth"
)

// tinygoLink drives the platform Bluetooth stack through
// tinygo.org/x/bluetooth. One link holds at most one connected
// peripheral, one discovered service and one discovered characteristic.
type tinygoLink struct {
	adapter *bluetooth.Adapter
	enabled bool

	device  bluetooth.Device
	haveDev bool
	service bluetooth.DeviceService
	haveSvc bool
	char    bluetooth.DeviceCharacteristic
	haveChr bool
}

func newTinygoLink() *tinygoLink {
	return &tinygoLink{adapter: bluetooth.DefaultAdapter}
}

func (l *tinygoLink) enable() error {
	if l.enabled {
		return nil
	}
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	l.enabled = true
	return nil
}

func (l *tinygoLink) Scan(found func(Peripheral)) error {
	if err := l.enable(); err != nil {
		return err
	}
	return l.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		found(Peripheral{Address: r.Address.String(), Name: r.LocalName(), RSSI: r.RSSI})
	})
}

func (l *tinygoLink) StopScan() error {
	return l.adapter.StopScan()
}

func (l *tinygoLink) Connect(_ context.Context, address string) error {
	if err := l.enable(); err != nil {
		return err
	}
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}
	dev, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}
	l.device = dev
	l.haveDev = true
	return nil
}

func (l *tinygoLink) DiscoverService(uuid string) error {
	if !l.haveDev {
		return fmt.Errorf("no connected peripheral")
	}
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}
	svcs, err := l.device.DiscoverServices([]bluetooth.UUID{u})
	if err != nil {
		return fmt.Errorf("discover service: %w", err)
	}
	if len(svcs) == 0 {
		return fmt.Errorf("service %s not found", uuid)
	}
	l.service = svcs[0]
	l.haveSvc = true
	return nil
}

func (l *tinygoLink) DiscoverCharacteristic(uuid string) error {
	if !l.haveSvc {
		return fmt.Errorf("no discovered service")
	}
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return fmt.Errorf("parse characteristic uuid: %w", err)
	}
	chars, err := l.service.DiscoverCharacteristics([]bluetooth.UUID{u})
	if err != nil {
		return fmt.Errorf("discover characteristic: %w", err)
	}
	if len(chars) == 0 {
		return fmt.Errorf("characteristic %s not found", uuid)
	}
	l.char = chars[0]
	l.haveChr = true
	return nil
}

func (l *tinygoLink) Subscribe(notify func([]byte)) error {
	if !l.haveChr {
		return fmt.Errorf("no discovered characteristic")
	}
	return l.char.EnableNotifications(func(buf []byte) {
		notify(buf)
	})
}

func (l *tinygoLink) Write(chunk []byte) error {
	if !l.haveChr {
		return fmt.Errorf("no discovered characteristic")
	}
	_, err := l.char.WriteWithoutResponse(chunk)
	return err
}

func (l *tinygoLink) MTU() int {
	if l.haveChr {
		if mtu, err := l.char.GetMTU(); err == nil && mtu > 0 {
			return int(mtu)
		}
	}
	return defaultChunkSize
}

func (l *tinygoLink) Disconnect() error {
	if !l.haveDev {
		return nil
	}
	l.haveDev = false
	l.haveSvc = false
	l.haveChr = false
	return l.device.Disconnect()
}
