package ble

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const eventChanSize = 256

// Adapter implements Central on top of tinygo.org/x/bluetooth, which speaks
// BlueZ D-Bus on Linux and the native stacks elsewhere. The tinygo API is
// synchronous, so requests run in short-lived goroutines and publish their
// outcome on the event channel; the channel stays the single serial stream
// the controller consumes.
//
// Platform notes: BlueZ owns duplicate-advertisement reporting, so the
// allowDuplicates flag is advisory here. State restoration across process
// restarts is a mobile-stack feature; this adapter never emits Restored.
type Adapter struct {
	log     *zap.Logger
	adapter *bluetooth.Adapter
	events  chan Event

	mu       sync.Mutex
	seen     map[DeviceID]bluetooth.Address
	handles  map[DeviceID]*deviceHandle
	scanning bool
}

// deviceHandle carries the tinygo objects accumulated during negotiation.
type deviceHandle struct {
	id    DeviceID
	dev   bluetooth.Device
	svc   *bluetooth.DeviceService
	chars []bluetooth.DeviceCharacteristic
}

func (h *deviceHandle) ID() DeviceID { return h.id }

// NewAdapter wraps the default platform adapter. Call Start before use.
func NewAdapter(log *zap.Logger) *Adapter {
	return &Adapter{
		log:     log,
		adapter: bluetooth.DefaultAdapter,
		events:  make(chan Event, eventChanSize),
		seen:    make(map[DeviceID]bluetooth.Address),
		handles: make(map[DeviceID]*deviceHandle),
	}
}

// Start powers on the radio stack and emits Ready on success.
func (t *Adapter) Start() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return // Connect goroutine emits Connected with the full handle.
		}
		id := DeviceID(device.Address.String())
		t.mu.Lock()
		h, ok := t.handles[id]
		if ok {
			delete(t.handles, id)
		}
		t.mu.Unlock()
		if ok {
			t.emit(Disconnected{Handle: h})
		}
	})
	t.emit(Ready{})
	return nil
}

func (t *Adapter) Discover(serviceUUID string, allowDuplicates bool) error {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service uuid %q: %w", serviceUUID, err)
	}

	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = true
	t.mu.Unlock()

	if !allowDuplicates {
		t.log.Debug("ble: duplicate filtering is controlled by the platform stack")
	}

	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !res.HasServiceUUID(svc) {
				return
			}
			id := DeviceID(res.Address.String())
			t.mu.Lock()
			t.seen[id] = res.Address
			t.mu.Unlock()
			t.emit(Discovered{
				Identity: Identity{ID: id, Name: res.LocalName()},
				RSSI:     res.RSSI,
			})
		})
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
		if err != nil {
			t.log.Warn("ble: scan ended", zap.Error(err))
		}
	}()
	return nil
}

func (t *Adapter) StopDiscovery() error {
	t.mu.Lock()
	scanning := t.scanning
	t.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := t.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (t *Adapter) Connect(id DeviceID) error {
	t.mu.Lock()
	addr, ok := t.seen[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: connect %s: device not seen in any scan", id)
	}

	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		h := &deviceHandle{id: id, dev: dev}
		if err != nil {
			t.emit(Disconnected{Handle: h, Reason: fmt.Errorf("ble: connect %s: %w", id, err)})
			return
		}
		t.mu.Lock()
		t.handles[id] = h
		t.mu.Unlock()
		t.emit(Connected{Handle: h})
	}()
	return nil
}

func (t *Adapter) CancelConnect(id DeviceID) error {
	t.mu.Lock()
	h, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.dev.Disconnect(); err != nil {
		return fmt.Errorf("ble: cancel %s: %w", id, err)
	}
	return nil
}

func (t *Adapter) DiscoverServices(h Handle, serviceUUID string) error {
	dh, err := t.deviceHandle(h)
	if err != nil {
		return err
	}
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service uuid %q: %w", serviceUUID, err)
	}

	go func() {
		svcs, err := dh.dev.DiscoverServices([]bluetooth.UUID{svc})
		if err != nil {
			t.emit(ServicesDiscovered{Handle: dh, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		uuids := make([]string, len(svcs))
		for i := range svcs {
			uuids[i] = svcs[i].UUID().String()
		}
		if len(svcs) > 0 {
			t.mu.Lock()
			dh.svc = &svcs[0]
			t.mu.Unlock()
		}
		t.emit(ServicesDiscovered{Handle: dh, Services: uuids})
	}()
	return nil
}

func (t *Adapter) DiscoverCharacteristics(h Handle, serviceUUID string) error {
	dh, err := t.deviceHandle(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	svc := dh.svc
	t.mu.Unlock()
	if svc == nil {
		return fmt.Errorf("ble: characteristics requested before service %s was found", serviceUUID)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			t.emit(CharacteristicsDiscovered{Handle: dh, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		out := make([]Characteristic, len(chars))
		for i := range chars {
			// The client API exposes no property bits; a non-notifiable
			// endpoint surfaces later as a SetNotify failure instead.
			out[i] = Characteristic{UUID: chars[i].UUID().String(), Notifiable: true}
		}
		t.mu.Lock()
		dh.chars = chars
		t.mu.Unlock()
		t.emit(CharacteristicsDiscovered{Handle: dh, Characteristics: out})
	}()
	return nil
}

func (t *Adapter) SetNotify(h Handle, characteristicUUID string, enabled bool) error {
	dh, err := t.deviceHandle(h)
	if err != nil {
		return err
	}

	t.mu.Lock()
	var target *bluetooth.DeviceCharacteristic
	for i := range dh.chars {
		if dh.chars[i].UUID().String() == characteristicUUID {
			target = &dh.chars[i]
			break
		}
	}
	t.mu.Unlock()
	if target == nil {
		return fmt.Errorf("ble: characteristic %s not discovered on %s", characteristicUUID, dh.id)
	}

	go func() {
		var cb func(buf []byte)
		if enabled {
			cb = func(buf []byte) {
				payload := make([]byte, len(buf))
				copy(payload, buf)
				t.emit(Notification{Handle: dh, Payload: payload})
			}
		}
		if err := target.EnableNotifications(cb); err != nil {
			t.emit(Subscribed{Handle: dh, Err: fmt.Errorf("ble: notifications on %s: %w", characteristicUUID, err)})
			return
		}
		t.emit(Subscribed{Handle: dh})
	}()
	return nil
}

func (t *Adapter) Events() <-chan Event { return t.events }

// emit publishes without blocking the radio callback path. A stalled
// consumer costs events, the same way a stalled link costs packets.
func (t *Adapter) emit(e Event) {
	select {
	case t.events <- e:
	default:
		t.log.Warn("ble: event channel full – dropping event",
			zap.String("event", fmt.Sprintf("%T", e)))
	}
}

func (t *Adapter) deviceHandle(h Handle) (*deviceHandle, error) {
	dh, ok := h.(*deviceHandle)
	if !ok {
		return nil, fmt.Errorf("ble: foreign handle %T", h)
	}
	return dh, nil
}
