package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kestrelaudio/kestrel/internal/api"
	"github.com/kestrelaudio/kestrel/internal/bus"
	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/central"
)

type fakeController struct{ st central.Status }

func (f *fakeController) Status() central.Status { return f.st }

type fakeCaptures struct {
	recs []*capture.Record
	err  error
	got  int
}

func (f *fakeCaptures) List(limit int) ([]*capture.Record, error) {
	f.got = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func newTestServer(t *testing.T, ctrl *fakeController, caps *fakeCaptures, b *bus.Bus) *httptest.Server {
	t.Helper()
	if ctrl == nil {
		ctrl = &fakeController{st: central.Status{State: "idle"}}
	}
	if caps == nil {
		caps = &fakeCaptures{}
	}
	if b == nil {
		b = bus.New()
	}
	srv := httptest.NewServer(api.NewRouter(ctrl, caps, b, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{st: central.Status{
		State:      "streaming",
		DeviceName: "Kestrel Badge",
		CaptureID:  "cap-7",
	}}
	srv := newTestServer(t, ctrl, nil, nil)

	var body struct {
		Connection  central.Status `json:"connection"`
		Subscribers int            `json:"subscribers"`
	}
	resp := getJSON(t, srv.URL+"/api/v1/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if body.Connection != ctrl.st {
		t.Errorf("connection = %+v, want %+v", body.Connection, ctrl.st)
	}
}

func TestListCaptures(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	ended := now.Add(-time.Minute)
	caps := &fakeCaptures{recs: []*capture.Record{
		{ID: "cap-2", DeviceName: "Badge", StartedAt: now},
		{ID: "cap-1", DeviceName: "Badge", StartedAt: now.Add(-time.Hour), EndedAt: &ended},
	}}
	srv := newTestServer(t, nil, caps, nil)

	var body struct {
		Captures []capture.Record `json:"captures"`
		Count    int              `json:"count"`
	}
	getJSON(t, srv.URL+"/api/v1/captures", &body)
	if body.Count != 2 || len(body.Captures) != 2 {
		t.Fatalf("count = %d, captures = %d, want 2", body.Count, len(body.Captures))
	}
	if body.Captures[0].ID != "cap-2" {
		t.Errorf("first capture = %s, want cap-2 (newest first)", body.Captures[0].ID)
	}
	if caps.got != 50 {
		t.Errorf("default limit = %d, want 50", caps.got)
	}
}

func TestListCapturesLimitValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil, nil, nil)

	for _, q := range []string{"limit=0", "limit=9999", "limit=abc"} {
		resp, err := http.Get(srv.URL + "/api/v1/captures?" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestListCapturesStoreError(t *testing.T) {
	t.Parallel()

	caps := &fakeCaptures{err: errors.New("db closed")}
	srv := newTestServer(t, nil, caps, nil)

	resp, err := http.Get(srv.URL + "/api/v1/captures")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil, nil, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEventStreamDeliversBusEvents(t *testing.T) {
	t.Parallel()

	b := bus.New()
	srv := newTestServer(t, nil, nil, b)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b.Len() == 0 {
		t.Fatal("event stream never subscribed")
	}

	b.PublishCaptureOpened(map[string]string{"capture_id": "cap-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var evt bus.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if evt.Type != bus.EventCaptureOpened {
		t.Errorf("event type = %s, want %s", evt.Type, bus.EventCaptureOpened)
	}
}
