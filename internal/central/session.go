package central

import (
	"github.com/kestrelaudio/kestrel/internal/ble"
	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/frame"
)

// subscriptionState tracks where a session is in the notify handshake.
type subscriptionState int

const (
	subUnsubscribed subscriptionState = iota
	subSubscribing
	subSubscribed
)

// peripheralSession is one candidate/connected remote device: identity,
// transport handle, subscription status and the per-session sequencer.
// Created on transport-confirmed connection, destroyed on disconnect or
// replacement by a newer discovery — never reused. At most one exists at any
// time; a nil session pointer on the controller is the "no session" variant.
type peripheralSession struct {
	identity ble.Identity
	handle   ble.Handle
	sub      subscriptionState
	seq      *frame.Sequencer

	// cap is opened lazily on the first assembled frame and closed on
	// teardown. Nil until data flows.
	cap *capture.Handle
}

// newPeripheralSession builds a fresh session with a fresh sequencer;
// assembly state never crosses a connection gap.
func newPeripheralSession(identity ble.Identity, handle ble.Handle) *peripheralSession {
	return &peripheralSession{
		identity: identity,
		handle:   handle,
		seq:      frame.NewSequencer(),
	}
}

// displayName is the name captures are keyed by: the advertised name when
// present, otherwise the stable device ID.
func (s *peripheralSession) displayName() string {
	if s.identity.Name != "" {
		return s.identity.Name
	}
	return string(s.identity.ID)
}
