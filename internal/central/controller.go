// Package central owns the connection lifecycle for the single remote audio
// peripheral: discovery, connection, service negotiation, subscription,
// loss detection and automatic recovery. It is the only package that talks
// to the transport.
//
// All transport events arrive on one channel and are processed serially by
// the Run loop, so state transitions are race-free by construction: nothing
// outside the loop mutates controller state. Presentation-facing reads go
// through Status snapshots and the event bus, never through shared mutable
// state.
package central

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/kestrelaudio/kestrel/internal/ble"
	"github.com/kestrelaudio/kestrel/internal/bus"
	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/frame"
	"github.com/kestrelaudio/kestrel/internal/observe"
)

// FrameSink receives completed frames for transmission. Delivery is
// fire-and-forget from the controller's perspective; the sink owns its own
// backpressure policy.
type FrameSink interface {
	// Submit hands one sealed frame to the sink, tagged with its capture.
	Submit(h *capture.Handle, f frame.Frame) error
	// Finish tells the sink no more frames will arrive for this capture.
	Finish(h *capture.Handle) error
}

// CaptureRegistry correlates captures 1:1 with streaming session lifetimes.
type CaptureRegistry interface {
	Begin(deviceName string) (*capture.Handle, error)
	End(h *capture.Handle) error
}

// Config holds the fixed GATT identifiers that define the matching filter
// for discovery and subscription.
type Config struct {
	ServiceUUID             string
	AudioCharacteristicUUID string
}

// Deps are the controller's collaborators, injected at construction.
type Deps struct {
	Transport ble.Central
	Sink      FrameSink
	Captures  CaptureRegistry
	Bus       *bus.Bus
	Log       *zap.Logger
	Metrics   *observe.Metrics
}

// Status is the read-only snapshot exposed to the presentation layer.
type Status struct {
	State      string `json:"state"`
	DeviceName string `json:"device_name,omitempty"`
	CaptureID  string `json:"capture_id,omitempty"`
}

// Controller drives the connection state machine. Construct with New, then
// call Run from exactly one goroutine; Status is safe from any goroutine.
type Controller struct {
	cfg Config
	tr  ble.Central

	sink     FrameSink
	captures CaptureRegistry
	bus      *bus.Bus
	log      *zap.Logger
	met      *observe.Metrics

	// Loop-owned state. Touched only from Run.
	state     State
	session   *peripheralSession // nil = no session
	candidate *ble.Identity      // set while a connect is pending

	// statusMu guards only the snapshot below; the loop never blocks on it.
	statusMu sync.RWMutex
	status   Status
}

// New constructs a Controller. All Deps fields are required.
func New(cfg Config, d Deps) *Controller {
	c := &Controller{
		cfg:      cfg,
		tr:       d.Transport,
		sink:     d.Sink,
		captures: d.Captures,
		bus:      d.Bus,
		log:      d.Log,
		met:      d.Metrics,
		state:    StateIdle,
	}
	c.status = Status{State: StateIdle.String()}
	return c
}

// Status returns the current presentation snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Run consumes transport events until ctx is cancelled or the transport
// closes its event channel. Any live session is torn down on exit.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StatePoweredOff)
	for {
		select {
		case <-ctx.Done():
			c.cancelSession()
			c.setState(StateIdle)
			return ctx.Err()
		case ev, ok := <-c.tr.Events():
			if !ok {
				c.cancelSession()
				c.setState(StateIdle)
				return nil
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev ble.Event) {
	switch e := ev.(type) {
	case ble.Restored:
		c.onRestored(e)
	case ble.Ready:
		c.onReady()
	case ble.Discovered:
		c.onDiscovered(e)
	case ble.Connected:
		c.onConnected(e)
	case ble.ServicesDiscovered:
		c.onServicesDiscovered(e)
	case ble.CharacteristicsDiscovered:
		c.onCharacteristicsDiscovered(e)
	case ble.Subscribed:
		c.onSubscribed(e)
	case ble.Notification:
		c.onNotification(e)
	case ble.Disconnected:
		c.onDisconnected(e)
	default:
		c.log.Warn("central: unhandled transport event", zap.Any("event", ev))
	}
}

// onRestored re-adopts connections the platform still held across a process
// restart: a live connection jumps straight to service discovery, a pending
// connect is re-issued. No re-scan in either case.
func (c *Controller) onRestored(e ble.Restored) {
	for _, link := range e.Links {
		if c.session != nil || c.candidate != nil {
			c.log.Warn("central: ignoring extra restored link",
				zap.String("device", string(link.Identity.ID)))
			continue
		}
		if link.Pending {
			c.log.Info("central: re-issuing restored connect",
				zap.String("device", string(link.Identity.ID)))
			id := link.Identity
			c.candidate = &id
			c.setState(StateConnecting)
			if err := c.tr.Connect(id.ID); err != nil {
				c.log.Warn("central: restored connect failed", zap.Error(err))
				c.candidate = nil
			}
			continue
		}
		c.log.Info("central: adopting restored connection",
			zap.String("device", string(link.Identity.ID)),
			zap.String("name", link.Identity.Name))
		c.adoptSession(link.Identity, link.Handle)
	}
}

func (c *Controller) onReady() {
	c.log.Info("central: transport ready")
	if c.session != nil || c.candidate != nil {
		// A restored connection is already being pursued.
		return
	}
	c.startScanning()
}

func (c *Controller) onDiscovered(e ble.Discovered) {
	// Duplicate advertisements from the device we already hold are expected;
	// the target advertises continuously while active.
	if c.session != nil && c.session.identity.ID == e.Identity.ID {
		return
	}
	if c.candidate != nil && c.candidate.ID == e.Identity.ID {
		return
	}

	// A new identity outranks whatever we currently hold: a fresh
	// advertisement is live, the existing connection may be a ghost.
	if c.session != nil {
		c.log.Info("central: new device discovered while connected – replacing session",
			zap.String("old", string(c.session.identity.ID)),
			zap.String("new", string(e.Identity.ID)))
		c.cancelSession()
	}
	if c.candidate != nil {
		if err := c.tr.CancelConnect(c.candidate.ID); err != nil {
			c.log.Warn("central: cancel stale connect", zap.Error(err))
		}
		c.candidate = nil
	}

	// Stop scanning before connecting so we never chase two candidates.
	if err := c.tr.StopDiscovery(); err != nil {
		c.log.Warn("central: stop discovery", zap.Error(err))
	}
	c.log.Info("central: connecting",
		zap.String("device", string(e.Identity.ID)),
		zap.String("name", e.Identity.Name),
		zap.Int16("rssi", e.RSSI))
	id := e.Identity
	c.candidate = &id
	c.setState(StateConnecting)
	if err := c.tr.Connect(id.ID); err != nil {
		c.log.Warn("central: connect request failed", zap.Error(err))
		c.candidate = nil
		c.startScanning()
	}
}

func (c *Controller) onConnected(e ble.Connected) {
	if c.candidate == nil || c.candidate.ID != e.Handle.ID() {
		// A connection we no longer want (candidate was replaced or the
		// session is already live). Drop it.
		c.log.Warn("central: unsolicited connection – cancelling",
			zap.String("device", string(e.Handle.ID())))
		if err := c.tr.CancelConnect(e.Handle.ID()); err != nil {
			c.log.Warn("central: cancel unsolicited connection", zap.Error(err))
		}
		return
	}
	identity := *c.candidate
	c.candidate = nil
	c.adoptSession(identity, e.Handle)
}

// adoptSession creates the fresh session (and fresh sequencer) for a
// transport-confirmed connection and starts negotiation.
func (c *Controller) adoptSession(identity ble.Identity, handle ble.Handle) {
	c.session = newPeripheralSession(identity, handle)
	c.met.ActiveSessions.Add(context.Background(), 1)
	c.setState(StateDiscoveringServices)
	if err := c.tr.DiscoverServices(handle, c.cfg.ServiceUUID); err != nil {
		c.log.Warn("central: discover services request failed", zap.Error(err))
		c.recoverSession()
	}
}

func (c *Controller) onServicesDiscovered(e ble.ServicesDiscovered) {
	if !c.currentHandle(e.Handle) {
		return
	}
	if e.Err != nil {
		c.log.Warn("central: service discovery failed", zap.Error(e.Err))
		c.recoverSession()
		return
	}
	found := false
	for _, uuid := range e.Services {
		if uuid == c.cfg.ServiceUUID {
			found = true
			break
		}
	}
	if !found {
		c.log.Warn("central: device lacks audio service",
			zap.String("device", string(c.session.identity.ID)))
		c.recoverSession()
		return
	}
	c.setState(StateDiscoveringCharacteristics)
	if err := c.tr.DiscoverCharacteristics(c.session.handle, c.cfg.ServiceUUID); err != nil {
		c.log.Warn("central: discover characteristics request failed", zap.Error(err))
		c.recoverSession()
	}
}

func (c *Controller) onCharacteristicsDiscovered(e ble.CharacteristicsDiscovered) {
	if !c.currentHandle(e.Handle) {
		return
	}
	if e.Err != nil {
		c.log.Warn("central: characteristic discovery failed", zap.Error(e.Err))
		c.recoverSession()
		return
	}
	var audio *ble.Characteristic
	for i := range e.Characteristics {
		if e.Characteristics[i].UUID == c.cfg.AudioCharacteristicUUID {
			audio = &e.Characteristics[i]
			break
		}
	}
	if audio == nil || !audio.Notifiable {
		// Capability mismatch: recoverable but unusable. The session stays
		// connected with no data expected rather than churning reconnects
		// against a device that will never stream.
		c.log.Warn("central: audio characteristic missing or not notifiable – session will be silent",
			zap.String("device", string(c.session.identity.ID)),
			zap.Bool("present", audio != nil))
		c.setState(StateStreaming)
		return
	}
	c.session.sub = subSubscribing
	c.setState(StateSubscribing)
	if err := c.tr.SetNotify(c.session.handle, c.cfg.AudioCharacteristicUUID, true); err != nil {
		c.log.Warn("central: subscribe request failed", zap.Error(err))
		c.recoverSession()
	}
}

func (c *Controller) onSubscribed(e ble.Subscribed) {
	if !c.currentHandle(e.Handle) {
		return
	}
	if e.Err != nil {
		c.log.Warn("central: subscription failed", zap.Error(e.Err))
		c.recoverSession()
		return
	}
	c.session.sub = subSubscribed
	c.log.Info("central: streaming",
		zap.String("device", string(c.session.identity.ID)),
		zap.String("name", c.session.identity.Name))
	c.setState(StateStreaming)
}

func (c *Controller) onNotification(e ble.Notification) {
	if c.session == nil || !c.currentHandle(e.Handle) {
		// Invariant guard: data for a torn-down session is dropped, never
		// processed.
		c.log.Warn("central: notification with no active session")
		return
	}
	if c.session.sub == subUnsubscribed {
		c.log.Warn("central: notification on unsubscribed session")
		return
	}

	ctx := context.Background()
	c.met.PacketsReceived.Add(ctx, 1)

	frames, err := c.session.seq.Add(e.Payload)
	if err != nil {
		// Protocol decode error: the partial frame is gone, the session
		// lives on.
		c.met.FramesDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
		c.bus.PublishDecodeError(err.Error())
		c.log.Warn("central: packet decode error", zap.Error(err))
	}
	for _, f := range frames {
		if c.session.cap == nil {
			h, err := c.captures.Begin(c.session.displayName())
			if err != nil {
				c.log.Error("central: open capture", zap.Error(err))
				return
			}
			c.session.cap = h
			c.bus.PublishCaptureOpened(map[string]string{
				"capture_id": h.ID,
				"device":     h.DeviceName,
			})
			c.publishStatus()
		}
		c.met.FramesAssembled.Add(ctx, 1)
		if err := c.sink.Submit(c.session.cap, f); err != nil {
			c.log.Warn("central: frame sink rejected frame", zap.Error(err))
		}
	}
}

func (c *Controller) onDisconnected(e ble.Disconnected) {
	switch {
	case c.candidate != nil && c.candidate.ID == e.Handle.ID():
		// Connect attempt failed before a session existed.
		c.log.Warn("central: connect failed",
			zap.String("device", string(c.candidate.ID)),
			zap.Error(e.Reason))
		c.candidate = nil
	case c.session != nil && c.currentHandle(e.Handle):
		c.log.Info("central: connection lost",
			zap.String("device", string(c.session.identity.ID)),
			zap.Error(e.Reason))
		c.setState(StateDisconnected)
		c.teardown()
	default:
		// Loss of a connection we already abandoned.
		return
	}
	c.met.Reconnects.Add(context.Background(), 1)
	c.startScanning()
}

// startScanning (re-)enters discovery. Recovery is entirely driven by
// re-discovery of the advertising device; there is no retry backoff.
func (c *Controller) startScanning() {
	c.setState(StateScanning)
	if err := c.tr.Discover(c.cfg.ServiceUUID, true); err != nil {
		c.log.Error("central: discovery request failed", zap.Error(err))
	}
}

// recoverSession is the single recovery behaviour for transient errors on an
// established session: cancel the link, destroy session state, resume
// scanning.
func (c *Controller) recoverSession() {
	c.cancelSession()
	c.met.Reconnects.Add(context.Background(), 1)
	c.startScanning()
}

// cancelSession force-closes the transport link (cancel, not graceful
// negotiation) and tears down session state. Idempotent.
func (c *Controller) cancelSession() {
	if c.session == nil {
		return
	}
	if err := c.tr.CancelConnect(c.session.identity.ID); err != nil {
		c.log.Warn("central: cancel connection", zap.Error(err))
	}
	c.teardown()
}

// teardown destroys the current session: the sequencer's partial assembly is
// discarded (never flushed), the capture is closed, counters adjusted.
// Idempotent and safe with no session active.
func (c *Controller) teardown() {
	if c.session == nil {
		return
	}
	ctx := context.Background()
	if c.session.seq.Assembling() {
		c.met.FramesDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "teardown")))
	}
	if h := c.session.cap; h != nil {
		if err := c.sink.Finish(h); err != nil {
			c.log.Warn("central: finish uplink stream", zap.Error(err))
		}
		if err := c.captures.End(h); err != nil {
			c.log.Warn("central: end capture", zap.Error(err))
		}
		c.bus.PublishCaptureClosed(map[string]string{"capture_id": h.ID})
	}
	c.met.ActiveSessions.Add(ctx, -1)
	c.session = nil
	c.publishStatus()
}

// currentHandle reports whether h belongs to the live session. Events for
// any other handle are stale and ignored.
func (c *Controller) currentHandle(h ble.Handle) bool {
	return c.session != nil && h != nil && c.session.handle.ID() == h.ID()
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.publishStatus()
}

func (c *Controller) publishStatus() {
	st := Status{State: c.state.String()}
	if c.session != nil {
		st.DeviceName = c.session.displayName()
		if c.session.cap != nil {
			st.CaptureID = c.session.cap.ID
		}
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
	c.bus.PublishState(st)
}
