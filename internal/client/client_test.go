package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/gunshot.report/internal/api"
	"github.com/banshee-data/gunshot.report/internal/db"
	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/ingest"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
)

// recordingDoer replies with canned responses and keeps every request.
type recordingDoer struct {
	requests  []*http.Request
	bodies    []string
	responses []*http.Response
	err       error
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	d.bodies = append(d.bodies, body)
	if d.err != nil {
		return nil, d.err
	}
	resp := d.responses[0]
	d.responses = d.responses[1:]
	return resp, nil
}

func TestClient_RegisterSendsTokenAfterwards(t *testing.T) {
	doer := &recordingDoer{responses: []*http.Response{
		respond(http.StatusOK, `{"token":"tok","client_id":"c-1"}`),
		respond(http.StatusCreated, `{"report_id":4,"timestamp":1000,"client_id":"c-1","action":"created","gunshot_id":2}`),
	}}
	c := New("http://server/", doer)
	ctx := context.Background()

	if err := c.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if c.ID() != "c-1" {
		t.Errorf("ID() = %q", c.ID())
	}
	if got := doer.requests[0].URL.String(); got != "http://server/register" {
		t.Errorf("register URL = %q", got)
	}
	if h := doer.requests[0].Header.Get("Authorization"); h != "" {
		t.Errorf("register sent Authorization %q", h)
	}

	r, err := c.PostReport(ctx, geo.Position{Latitude: 1, Longitude: 2, Altitude: 3}, 1000, "AK-47")
	if err != nil {
		t.Fatalf("PostReport: %v", err)
	}
	if r.ID != 4 || r.GunshotID != 2 || r.Action != "created" {
		t.Errorf("report = %+v", r)
	}
	req := doer.requests[1]
	if req.Method != http.MethodPost || req.URL.Path != "/api/reports" {
		t.Errorf("request = %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Authorization") != "tok" {
		t.Errorf("Authorization = %q", req.Header.Get("Authorization"))
	}
	for _, field := range []string{`"coord_lat":1`, `"coord_long":2`, `"coord_alt":3`, `"timestamp":1000`, `"gun":"AK-47"`} {
		if !strings.Contains(doer.bodies[1], field) {
			t.Errorf("body %s missing %s", doer.bodies[1], field)
		}
	}
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("json error body", func(t *testing.T) {
		c := New("http://server", &recordingDoer{responses: []*http.Response{
			respond(http.StatusBadRequest, `{"error":"missing required parameters"}`),
		}})
		_, err := c.PostReport(ctx, geo.Position{}, 1, "x")
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("err = %v, want *StatusError", err)
		}
		if se.StatusCode != http.StatusBadRequest || se.Message != "missing required parameters" {
			t.Errorf("StatusError = %+v", se)
		}
	})

	t.Run("plain error body", func(t *testing.T) {
		c := New("http://server", &recordingDoer{responses: []*http.Response{
			respond(http.StatusMethodNotAllowed, "Method not allowed\n"),
		}})
		err := c.AddGun(ctx, Gun{Name: "AK-47", Type: "rifle"})
		var se *StatusError
		if !errors.As(err, &se) || se.Message != "Method not allowed" {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		c := New("http://server", &recordingDoer{responses: []*http.Response{
			respond(http.StatusOK, `{"client_id":"c"}`),
		}})
		if err := c.Register(ctx); err == nil {
			t.Error("empty token accepted")
		}
	})

	t.Run("transport", func(t *testing.T) {
		c := New("http://server", &recordingDoer{err: errors.New("connection refused")})
		if _, err := c.Gunshots(ctx, 0, 1); err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("undecodable", func(t *testing.T) {
		c := New("http://server", &recordingDoer{responses: []*http.Response{
			respond(http.StatusOK, `not json`),
		}})
		if _, err := c.Gunshots(ctx, 0, 1); err == nil {
			t.Error("bad JSON accepted")
		}
	})
}

func TestClient_AgainstServer(t *testing.T) {
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(orig) })

	database, err := db.NewDB(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer database.Close()
	engine := gunshot.NewEngine(gunshot.DefaultConfig(), database, tdoa.NewSolver(tdoa.DefaultConfig()), nil)
	batcher := ingest.NewBatcher(ingest.Config{CoalescingWindow: 20 * time.Millisecond, FlushDelay: 2 * time.Millisecond}, database, nil)
	tokens, err := api.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(database, ingest.NewPipeline(batcher, engine), engine, tokens).ServeMux())
	defer srv.Close()

	ctx := context.Background()
	source := geo.Position{Latitude: 57.7, Longitude: 11.97}
	const startMs = int64(1_700_000_000_000)

	admin := New(srv.URL, srv.Client())
	if err := admin.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := admin.AddGun(ctx, Gun{Name: "AK-47", Type: "rifle"}); err != nil {
		t.Fatalf("AddGun: %v", err)
	}

	for i, bearing := range []float64{0, 90, 180, 270} {
		c := New(srv.URL, srv.Client())
		if err := c.Register(ctx); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
		pos := source.Shift(float64(150+50*i), bearing, 0)
		ts := startMs + int64(geo.Distance(source, pos)/tdoa.SpeedOfSound)
		if _, err := c.PostReport(ctx, pos, ts, "AK-47"); err != nil {
			t.Fatalf("PostReport %d: %v", i, err)
		}
	}

	shots, err := admin.Gunshots(ctx, startMs-5000, startMs+5000)
	if err != nil {
		t.Fatalf("Gunshots: %v", err)
	}
	if len(shots) != 1 || shots[0].Position == nil {
		t.Fatalf("gunshots = %+v", shots)
	}
	if d := geo.Distance(source, *shots[0].Position); d > 25 {
		t.Errorf("solved %.1f m from the source", d)
	}
	if shots[0].WeaponType != "AK-47" {
		t.Errorf("weapon = %q", shots[0].WeaponType)
	}
}
