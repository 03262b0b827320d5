// Package frame reassembles complete audio frames from the small notification
// packets delivered by the radio link.
//
// Wire framing: every packet starts with a 1-byte marker. A start packet
// (0x01) carries a 2-byte big-endian declared frame length followed by the
// first payload bytes. A continuation packet (0x00) carries payload only.
// An assembly seals exactly when the accumulated payload reaches the declared
// length; leftover bytes in the same packet are parsed as the next segment,
// so a single packet can close one frame and open (or fully contain) the next.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	markerContinuation = 0x00
	markerStart        = 0x01

	headerLen = 3 // marker + 2-byte declared length
)

// Decode errors. All of them are recoverable: the current assembly is
// discarded and the sequencer keeps accepting packets.
var (
	ErrEmptyPacket        = errors.New("frame: empty packet")
	ErrUnknownMarker      = errors.New("frame: unknown marker")
	ErrTruncatedHeader    = errors.New("frame: truncated start header")
	ErrZeroLength         = errors.New("frame: declared length is zero")
	ErrOrphanContinuation = errors.New("frame: continuation with no assembly in progress")
)

// Frame is one complete unit of audio payload. Immutable once sealed.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Stats counts what a sequencer has seen since creation.
type Stats struct {
	Packets   uint64 // packets accepted by Add
	Frames    uint64 // frames sealed
	Discards  uint64 // assemblies discarded (interrupted or malformed)
	Malformed uint64 // packets rejected with a decode error
}

// Sequencer assembles frames from an ordered stream of packets. It is scoped
// to exactly one peripheral session; assembly state has no meaning across a
// connection gap, so a new session gets a new Sequencer.
//
// Not safe for concurrent use. The connection controller calls Add from its
// single event-loop goroutine.
type Sequencer struct {
	declared   int
	buf        []byte
	assembling bool
	stats      Stats
}

// NewSequencer returns an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Add consumes one notification packet and returns any frames it sealed, in
// order. A decode error discards the current assembly but never poisons the
// sequencer; the caller logs it and moves on. A start marker arriving while a
// previous assembly is open silently discards the partial assembly — a
// dropped radio packet costs a frame, never corrupt data.
func (s *Sequencer) Add(pkt []byte) ([]Frame, error) {
	s.stats.Packets++
	if len(pkt) == 0 {
		s.stats.Malformed++
		return nil, ErrEmptyPacket
	}

	var out []Frame
	i := 0
	for i < len(pkt) {
		switch pkt[i] {
		case markerStart:
			if s.assembling {
				// Interrupted frame: never emit partial data.
				s.discard()
			}
			if len(pkt)-i < headerLen {
				s.stats.Malformed++
				return out, fmt.Errorf("%w (%d bytes)", ErrTruncatedHeader, len(pkt)-i)
			}
			declared := int(binary.BigEndian.Uint16(pkt[i+1 : i+3]))
			if declared == 0 {
				s.stats.Malformed++
				return out, ErrZeroLength
			}
			s.declared = declared
			s.buf = make([]byte, 0, declared)
			s.assembling = true
			i += headerLen
		case markerContinuation:
			if !s.assembling {
				s.stats.Malformed++
				return out, ErrOrphanContinuation
			}
			i++
		default:
			if s.assembling {
				s.discard()
			}
			s.stats.Malformed++
			return out, fmt.Errorf("%w 0x%02x", ErrUnknownMarker, pkt[i])
		}

		take := s.declared - len(s.buf)
		if rem := len(pkt) - i; rem < take {
			take = rem
		}
		s.buf = append(s.buf, pkt[i:i+take]...)
		i += take

		if len(s.buf) == s.declared {
			out = append(out, s.seal())
		}
	}
	return out, nil
}

// Assembling reports whether a partial frame is currently buffered.
func (s *Sequencer) Assembling() bool { return s.assembling }

// Stats returns a snapshot of the sequencer's counters.
func (s *Sequencer) Stats() Stats { return s.stats }

func (s *Sequencer) seal() Frame {
	f := Frame{Data: s.buf, Timestamp: time.Now().UTC()}
	s.buf = nil
	s.declared = 0
	s.assembling = false
	s.stats.Frames++
	return f
}

func (s *Sequencer) discard() {
	s.buf = nil
	s.declared = 0
	s.assembling = false
	s.stats.Discards++
}
