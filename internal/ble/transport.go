// Package ble defines the narrow capability set the connection controller
// needs from the platform radio stack, and an adapter backed by
// tinygo.org/x/bluetooth. Advertisement scanning, GATT negotiation and MTU
// management live below this interface; the controller only ever sees the
// operations and events declared here.
package ble

// DeviceID is the platform-stable identifier of a remote peripheral
// (a MAC address on Linux, an opaque UUID elsewhere). It survives
// re-discovery, which is how "same device seen again" is detected.
type DeviceID string

// Identity names a remote peripheral: stable ID plus the advertised
// human-readable name, which may be empty.
type Identity struct {
	ID   DeviceID
	Name string
}

// Handle is an opaque reference to a transport-level connection. It is owned
// exclusively by the connection controller for the lifetime of one session.
type Handle interface {
	ID() DeviceID
}

// Characteristic describes one data endpoint found during negotiation.
type Characteristic struct {
	UUID       string
	Notifiable bool
}

// Central is the abstraction over the platform BLE central role.
// All methods are non-blocking requests; outcomes arrive on Events.
// Implementations must be safe for concurrent use.
type Central interface {
	// Discover starts advertisement scanning filtered to the given service.
	// With allowDuplicates, repeated advertisements from the same device are
	// all reported, not collapsed.
	Discover(serviceUUID string, allowDuplicates bool) error
	// StopDiscovery halts scanning. Idempotent.
	StopDiscovery() error
	// Connect requests a connection to a previously discovered device.
	Connect(id DeviceID) error
	// CancelConnect aborts a pending or established connection without
	// graceful negotiation.
	CancelConnect(id DeviceID) error
	// DiscoverServices starts service discovery on a live connection,
	// filtered to the given service UUID.
	DiscoverServices(h Handle, serviceUUID string) error
	// DiscoverCharacteristics starts characteristic discovery within the
	// given service.
	DiscoverCharacteristics(h Handle, serviceUUID string) error
	// SetNotify enables or disables notification delivery for one
	// characteristic on a live connection.
	SetNotify(h Handle, characteristicUUID string, enabled bool) error
	// Events returns the single serial event stream. Events must be consumed
	// promptly; implementations may drop when the consumer stalls.
	Events() <-chan Event
}

// Event is one asynchronous transport callback. The concrete types below are
// the only implementations.
type Event interface {
	event()
}

// Ready reports that the radio stack is powered on and usable.
type Ready struct{}

// Discovered reports one advertisement matching the discovery filter.
type Discovered struct {
	Identity Identity
	RSSI     int16
}

// Connected reports a transport-confirmed connection.
type Connected struct {
	Handle Handle
}

// Disconnected reports connection loss, at any point including
// mid-negotiation. Reason may be nil for a clean local cancel.
type Disconnected struct {
	Handle Handle
	Reason error
}

// ServicesDiscovered reports the outcome of DiscoverServices.
type ServicesDiscovered struct {
	Handle   Handle
	Services []string
	Err      error
}

// CharacteristicsDiscovered reports the outcome of DiscoverCharacteristics.
type CharacteristicsDiscovered struct {
	Handle          Handle
	Characteristics []Characteristic
	Err             error
}

// Subscribed reports the outcome of SetNotify.
type Subscribed struct {
	Handle Handle
	Err    error
}

// Notification carries one raw packet from the subscribed characteristic.
type Notification struct {
	Handle  Handle
	Payload []byte
}

// RestoredLink describes one connection the platform still held across a
// process restart. Pending marks a connect request that never completed.
type RestoredLink struct {
	Identity Identity
	Handle   Handle
	Pending  bool
}

// Restored reports connections re-adopted from a previous process instance.
// When delivered, it always precedes Ready.
type Restored struct {
	Links []RestoredLink
}

func (Ready) event()                     {}
func (Discovered) event()                {}
func (Connected) event()                 {}
func (Disconnected) event()              {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (Subscribed) event()                {}
func (Notification) event()              {}
func (Restored) event()                  {}
