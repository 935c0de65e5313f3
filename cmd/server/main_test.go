package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/posefit/posture-capture/capture-server/internal/config"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{
		HTTPAddr:           ":0",
		RecordingsDir:      t.TempDir(),
		StateDir:           t.TempDir(),
		CameraFrontURL:     "http://127.0.0.1:1/front", // Nothing listens here
		CameraBackURL:      "http://127.0.0.1:1/back",
		CameraFrontH264URL: "http://127.0.0.1:1/front/h264",
		CameraBackH264URL:  "http://127.0.0.1:1/back/h264",
		DetectorURL:        "http://127.0.0.1:1/detect",
		Locale:             "en-US",
		StunServers:        "stun:stun.l.google.com:19302",
		MaxPreviewClients:  2,
		TargetFPS:          30,
		DetectTimeout:      100 * time.Millisecond,
		AlertWindow:        time.Second,
		CountdownStart:     3,
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.scheduler.Start(srv.ctx)
	srv.machine.Start(srv.ctx)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.machine.Stop()
		srv.scheduler.Stop()
		srv.cancel()
	})
	return srv, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var health map[string]any
	if code := getJSON(t, ts.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if health["status"] != "ok" {
		t.Errorf("status field = %v, want ok", health["status"])
	}
	if health["session"] != string(types.StateSourceSelect) {
		t.Errorf("session field = %v, want %q", health["session"], types.StateSourceSelect)
	}
}

func TestSessionEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var sess types.CaptureSession
	if code := getJSON(t, ts.URL+"/api/session", &sess); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if sess.State != types.StateSourceSelect {
		t.Errorf("state = %q, want source_select", sess.State)
	}
}

// With no camera daemon reachable, source selection fails through the whole
// fallback chain and the machine stays on source selection.
func TestCameraSelectionUnavailable(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/source/camera", map[string]string{"facing": "front"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var sess types.CaptureSession
		getJSON(t, ts.URL+"/api/session", &sess)
		if sess.State == types.StateSourceSelect && sess.ID == "" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("machine left source selection despite no camera")
}

func TestRecordingOverHTTP(t *testing.T) {
	srv, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/recording/start", map[string]string{"kind": "session"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}
	if !srv.recorder.IsRecording() {
		t.Fatal("recorder not running after start")
	}

	// Starting again while recording is an error.
	resp = postJSON(t, ts.URL+"/api/recording/start", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("double start status = %d, want 500", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/recording/stop", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}

	var status struct {
		Recording bool   `json:"recording"`
		Filename  string `json:"filename"`
	}
	if code := getJSON(t, ts.URL+"/api/recording/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if status.Recording {
		t.Error("still recording after stop")
	}
	if status.Filename == "" {
		t.Fatal("no filename after stop")
	}

	// The finished file is downloadable.
	dl, err := http.Get(ts.URL + "/api/recording/file/" + status.Filename)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Errorf("download status = %d, want 200", dl.StatusCode)
	}
	io.Copy(io.Discard, dl.Body)
}

func TestRecordingFileTraversalRejected(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/recording/file/..%2F..%2Fetc%2Fpasswd")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("path traversal served a file")
	}
}

func TestLastMetricsNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	if code := getJSON(t, ts.URL+"/api/metrics/last", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before any capture", code)
	}
}

func TestFileSelectValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/source/file", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing path", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/capture")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestLiveViewStreams(t *testing.T) {
	_, ts := newTestServer(t)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(ts.URL + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK || ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("status=%d content-type=%q", resp.StatusCode, ct)
	}

	// With no source active the stream serves the test card.
	buf := make([]byte, 256)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !bytes.Contains(buf, []byte("--frame")) {
		t.Error("stream does not contain the multipart boundary")
	}
	if !bytes.Contains(buf, []byte{0xFF, 0xD8}) {
		t.Error("stream does not contain a JPEG SOI marker")
	}
}

func TestOfferRejectsGarbage(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/offer", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for malformed offer", resp.StatusCode)
	}
}
