package uplink_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/frame"
	"github.com/kestrelaudio/kestrel/internal/uplink"
)

// captureServer fakes the capture endpoints: it records streamed bodies per
// capture UUID and whether /complete was called.
type captureServer struct {
	mu        sync.Mutex
	bodies    map[string][]byte
	completed map[string]bool
	auth      []string
}

func (cs *captureServer) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /capture/streaming_post/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read streaming body: %v", err)
		}
		cs.mu.Lock()
		cs.bodies[r.PathValue("uuid")] = body
		cs.auth = append(cs.auth, r.Header.Get("Authorization"))
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /capture/streaming_post/{uuid}/complete", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.completed[r.PathValue("uuid")] = true
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newCaptureServer(t *testing.T) (*captureServer, *httptest.Server) {
	t.Helper()
	cs := &captureServer{
		bodies:    make(map[string][]byte),
		completed: make(map[string]bool),
	}
	srv := httptest.NewServer(cs.handler(t))
	t.Cleanup(srv.Close)
	return cs, srv
}

func TestUploader_StreamsFramesAndCompletes(t *testing.T) {
	t.Parallel()

	cs, srv := newCaptureServer(t)
	u := uplink.New(uplink.Config{
		BaseURL:    srv.URL,
		Token:      "tok-123",
		DeviceType: "ble_wearable",
	}, zap.NewNop(), nil)

	h := &capture.Handle{ID: "cap-1", DeviceName: "badge", StartedAt: time.Now()}
	for _, payload := range []string{"aaa", "bbbb", "c"} {
		if err := u.Submit(h, frame.Frame{Data: []byte(payload)}); err != nil {
			t.Fatalf("Submit(%q) error: %v", payload, err)
		}
	}
	if err := u.Finish(h); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if got, want := cs.bodies["cap-1"], []byte("aaabbbbc"); !bytes.Equal(got, want) {
		t.Errorf("streamed body = %q, want %q", got, want)
	}
	if !cs.completed["cap-1"] {
		t.Error("capture was never completed server-side")
	}
	if len(cs.auth) == 0 || cs.auth[0] != "Bearer tok-123" {
		t.Errorf("auth header = %v, want Bearer tok-123", cs.auth)
	}
}

func TestUploader_FinishWithoutStreamIsNoop(t *testing.T) {
	t.Parallel()

	_, srv := newCaptureServer(t)
	u := uplink.New(uplink.Config{BaseURL: srv.URL}, zap.NewNop(), nil)

	if err := u.Finish(&capture.Handle{ID: "never-streamed"}); err != nil {
		t.Fatalf("Finish() on unopened capture: %v", err)
	}
	if err := u.Finish(nil); err != nil {
		t.Fatalf("Finish(nil) error: %v", err)
	}
}

func TestUploader_SubmitAfterCloseFails(t *testing.T) {
	t.Parallel()

	_, srv := newCaptureServer(t)
	u := uplink.New(uplink.Config{BaseURL: srv.URL}, zap.NewNop(), nil)

	if err := u.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	err := u.Submit(&capture.Handle{ID: "x"}, frame.Frame{Data: []byte("y")})
	if err != uplink.ErrClosed {
		t.Fatalf("Submit after Close = %v, want ErrClosed", err)
	}
}

func TestUploader_SeparateCapturesSeparateStreams(t *testing.T) {
	t.Parallel()

	cs, srv := newCaptureServer(t)
	u := uplink.New(uplink.Config{BaseURL: srv.URL}, zap.NewNop(), nil)

	h1 := &capture.Handle{ID: "cap-a"}
	h2 := &capture.Handle{ID: "cap-b"}
	if err := u.Submit(h1, frame.Frame{Data: []byte("AAA")}); err != nil {
		t.Fatal(err)
	}
	if err := u.Submit(h2, frame.Frame{Data: []byte("BBB")}); err != nil {
		t.Fatal(err)
	}
	if err := u.Finish(h1); err != nil {
		t.Fatalf("Finish(h1): %v", err)
	}
	if err := u.Finish(h2); err != nil {
		t.Fatalf("Finish(h2): %v", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !bytes.Equal(cs.bodies["cap-a"], []byte("AAA")) || !bytes.Equal(cs.bodies["cap-b"], []byte("BBB")) {
		t.Errorf("bodies = %q / %q, want AAA / BBB", cs.bodies["cap-a"], cs.bodies["cap-b"])
	}
}
