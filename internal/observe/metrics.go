// Package observe provides the gateway's observability primitives:
// OpenTelemetry metric instruments and a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/kestrelaudio/kestrel"

// Metrics holds all metric instruments for the gateway. The underlying OTel
// types handle their own synchronisation, so a single Metrics value is shared
// across packages.
type Metrics struct {
	// PacketsReceived counts raw notification packets handed to a sequencer.
	PacketsReceived metric.Int64Counter

	// FramesAssembled counts frames sealed by the sequencer.
	FramesAssembled metric.Int64Counter

	// FramesDiscarded counts partial assemblies thrown away. Use with
	// attribute.String("reason", "malformed"|"teardown").
	FramesDiscarded metric.Int64Counter

	// FramesDropped counts complete frames the uplink refused because its
	// buffer was full.
	FramesDropped metric.Int64Counter

	// BytesUploaded counts frame payload bytes written to the uplink stream.
	BytesUploaded metric.Int64Counter

	// Reconnects counts Disconnected→Scanning recovery transitions.
	Reconnects metric.Int64Counter

	// ActiveSessions tracks live peripheral sessions (0 or 1 by invariant).
	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on the given provider. Tests pass a
// private provider to avoid cross-test pollution.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.PacketsReceived, err = meter.Int64Counter("kestrel.packets.received",
		metric.WithDescription("Raw notification packets received from the peripheral")); err != nil {
		return nil, err
	}
	if m.FramesAssembled, err = meter.Int64Counter("kestrel.frames.assembled",
		metric.WithDescription("Complete audio frames sealed by the sequencer")); err != nil {
		return nil, err
	}
	if m.FramesDiscarded, err = meter.Int64Counter("kestrel.frames.discarded",
		metric.WithDescription("Partial frame assemblies discarded")); err != nil {
		return nil, err
	}
	if m.FramesDropped, err = meter.Int64Counter("kestrel.frames.dropped",
		metric.WithDescription("Complete frames dropped by the uplink buffer")); err != nil {
		return nil, err
	}
	if m.BytesUploaded, err = meter.Int64Counter("kestrel.uplink.bytes",
		metric.WithDescription("Frame payload bytes written to the uplink")); err != nil {
		return nil, err
	}
	if m.Reconnects, err = meter.Int64Counter("kestrel.reconnects",
		metric.WithDescription("Disconnect-to-scanning recovery transitions")); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("kestrel.sessions.active",
		metric.WithDescription("Live peripheral sessions")); err != nil {
		return nil, err
	}
	return m, nil
}
