// Package uplink streams completed audio frames to the capture server. One
// chunked HTTP POST stays open per capture; frames are appended to its body
// as they arrive, and a final /complete call closes the capture server-side.
//
// Delivery is fire-and-forget from the controller's point of view: the
// uploader owns its buffering and drops frames when the network stalls.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/frame"
	"github.com/kestrelaudio/kestrel/internal/observe"
)

const (
	frameChanSize   = 256
	finishTimeout   = 10 * time.Second
	completeTimeout = 5 * time.Second
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("uplink: uploader closed")

// Config points the uploader at the capture server.
type Config struct {
	BaseURL    string
	Token      string
	DeviceType string
}

// Uploader is the frame sink. Safe for concurrent use, though the controller
// calls it from a single goroutine.
type Uploader struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
	met    *observe.Metrics

	mu      sync.Mutex
	closed  bool
	streams map[string]*stream
}

type stream struct {
	frames chan []byte
	done   chan struct{} // closed when the streaming POST returns
}

// New constructs an Uploader. met may be nil (metrics disabled).
func New(cfg Config, log *zap.Logger, met *observe.Metrics) *Uploader {
	return &Uploader{
		cfg:     cfg,
		client:  &http.Client{},
		log:     log,
		met:     met,
		streams: make(map[string]*stream),
	}
}

// Submit queues one frame for the capture identified by h, opening the
// streaming POST lazily on first use. When the stream's buffer is full the
// frame is dropped and counted; a lost frame is cheaper than a stalled
// controller loop.
func (u *Uploader) Submit(h *capture.Handle, f frame.Frame) error {
	if h == nil {
		return errors.New("uplink: submit without capture handle")
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	s, ok := u.streams[h.ID]
	if !ok {
		s = u.openStream(h)
		u.streams[h.ID] = s
	}
	u.mu.Unlock()

	select {
	case s.frames <- f.Data:
		return nil
	default:
		if u.met != nil {
			u.met.FramesDropped.Add(context.Background(), 1)
		}
		u.log.Warn("uplink: frame buffer full – dropping frame",
			zap.String("capture_id", h.ID),
			zap.Int("bytes", len(f.Data)),
		)
		return nil
	}
}

// Finish closes the capture's stream, waits for the streaming POST to return
// and tells the server the capture is complete. Finishing a capture that
// never produced a stream is a no-op.
func (u *Uploader) Finish(h *capture.Handle) error {
	if h == nil {
		return nil
	}

	u.mu.Lock()
	s, ok := u.streams[h.ID]
	if ok {
		delete(u.streams, h.ID)
	}
	u.mu.Unlock()
	if !ok {
		return nil
	}

	close(s.frames)
	select {
	case <-s.done:
	case <-time.After(finishTimeout):
		u.log.Warn("uplink: timed out waiting for streaming post", zap.String("capture_id", h.ID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/capture/streaming_post/%s/complete", u.cfg.BaseURL, h.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("uplink: complete request: %w", err)
	}
	u.authorize(req)
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uplink: complete %s: %w", h.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("uplink: complete %s: server returned %s", h.ID, resp.Status)
	}
	return nil
}

// Close finishes every open stream. Safe to call once during shutdown.
func (u *Uploader) Close() error {
	u.mu.Lock()
	u.closed = true
	streams := u.streams
	u.streams = make(map[string]*stream)
	u.mu.Unlock()

	var errs []error
	for id, s := range streams {
		close(s.frames)
		select {
		case <-s.done:
		case <-time.After(finishTimeout):
			errs = append(errs, fmt.Errorf("uplink: stream %s did not drain", id))
		}
	}
	return errors.Join(errs...)
}

// openStream starts the writer goroutine and the long-lived streaming POST.
// Called with u.mu held.
func (u *Uploader) openStream(h *capture.Handle) *stream {
	s := &stream{
		frames: make(chan []byte, frameChanSize),
		done:   make(chan struct{}),
	}
	pr, pw := io.Pipe()

	go func() {
		for data := range s.frames {
			if _, err := pw.Write(data); err != nil {
				// Request side failed; drain remaining frames so Finish
				// does not block producers.
				for range s.frames {
				}
				break
			}
			if u.met != nil {
				u.met.BytesUploaded.Add(context.Background(), int64(len(data)))
			}
		}
		pw.Close()
	}()

	go func() {
		defer close(s.done)
		url := fmt.Sprintf("%s/capture/streaming_post/%s?device_type=%s",
			u.cfg.BaseURL, h.ID, u.cfg.DeviceType)
		req, err := http.NewRequest(http.MethodPost, url, pr)
		if err != nil {
			u.log.Error("uplink: build streaming request", zap.Error(err))
			pr.CloseWithError(err)
			return
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		u.authorize(req)

		resp, err := u.client.Do(req)
		if err != nil {
			u.log.Warn("uplink: streaming post failed",
				zap.String("capture_id", h.ID),
				zap.Error(err),
			)
			pr.CloseWithError(err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			u.log.Warn("uplink: streaming post rejected",
				zap.String("capture_id", h.ID),
				zap.String("status", resp.Status),
			)
		}
	}()

	u.log.Info("uplink: capture stream opened",
		zap.String("capture_id", h.ID),
		zap.String("device", h.DeviceName),
	)
	return s
}

func (u *Uploader) authorize(req *http.Request) {
	if u.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	}
}
