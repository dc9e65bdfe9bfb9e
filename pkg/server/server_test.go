package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/callbridge/internal/config"
	"github.com/teslashibe/callbridge/pkg/bridge"
	"github.com/teslashibe/callbridge/pkg/elevenlabs"
	"github.com/teslashibe/callbridge/pkg/twilio"
)

func newTestServer(t *testing.T, twilioHandler http.HandlerFunc) (*Server, *fiber.App) {
	t.Helper()

	cfg := &config.Config{
		ElevenLabsAgentID:  "agent-1",
		ElevenLabsAPIKey:   "xi-key",
		TwilioAccountSID:   "AC123",
		TwilioAuthToken:    "tok",
		TwilioPhoneNumber:  "+15550001111",
		Port:               8000,
		MediaStreamTimeout: time.Minute,
		MaxRetries:         3,
	}

	eleven, err := elevenlabs.NewClient(cfg.ElevenLabsAPIKey)
	if err != nil {
		t.Fatalf("elevenlabs client: %v", err)
	}

	twilioAPI, err := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	if err != nil {
		t.Fatalf("twilio client: %v", err)
	}
	if twilioHandler != nil {
		srv := httptest.NewServer(twilioHandler)
		t.Cleanup(srv.Close)
		twilioAPI.SetBaseURL(srv.URL)
	}

	s := New(context.Background(), cfg, eleven, twilioAPI)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s.RegisterRoutes(app)
	return s, app
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m
}

func TestRootAndHealth(t *testing.T) {
	_, app := newTestServer(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["env"] != "development" {
		t.Errorf("unexpected root body: %v", body)
	}
	if body["port"] != float64(8000) {
		t.Errorf("port = %v, want 8000", body["port"])
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body = decodeBody(t, resp)
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, app := newTestServer(t, nil)
	s.metrics.IncCalls()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 metric lines, got %d: %q", len(lines), string(data))
	}
	if lines[0] != "calls_total 1" || lines[2] != "active_calls 1" {
		t.Errorf("unexpected metrics: %q", string(data))
	}
}

func TestTranscriptRoundTrip(t *testing.T) {
	s, app := newTestServer(t, nil)
	s.transcripts.Append("CA42", bridge.Turn{Role: bridge.RoleUser, Text: "hello", Timestamp: time.Now()})
	s.transcripts.Append("CA42", bridge.Turn{Role: bridge.RoleAgent, Text: "hi", Timestamp: time.Now()})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/transcripts/CA42", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := decodeBody(t, resp)
	if body["callSid"] != "CA42" {
		t.Errorf("callSid = %v", body["callSid"])
	}
	turns, ok := body["transcript"].([]any)
	if !ok || len(turns) != 2 {
		t.Fatalf("transcript = %v", body["transcript"])
	}
	first, _ := turns[0].(map[string]any)
	if first["role"] != "user" || first["text"] != "hello" {
		t.Errorf("turn 0 = %v", first)
	}
}

var reqIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestOutboundCallHappyPath(t *testing.T) {
	s, app := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if !strings.Contains(r.PostForm.Get("Url"), "/twilio/outbound_twiml?reqId=") {
			t.Errorf("TwiML URL = %q", r.PostForm.Get("Url"))
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA001","status":"queued"}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/twilio/outbound_call",
		strings.NewReader(`{"to":"+15551234567","script":"say hi"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["success"] != true || body["callSid"] != "CA001" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["from"] != "+15550001111" {
		t.Errorf("from should default to the configured number, got %v", body["from"])
	}

	reqID, _ := body["reqId"].(string)
	if !reqIDPattern.MatchString(reqID) {
		t.Fatalf("reqId %q is not 16 hex chars", reqID)
	}

	cc, ok := s.registry.Get(reqID)
	if !ok {
		t.Fatal("registry missing context")
	}
	if cc.CallSID != "CA001" || cc.Script != "say hi" {
		t.Errorf("context = %+v", cc)
	}

	snap := s.metrics.Snapshot()
	if snap.Calls != 1 || snap.Active != 1 {
		t.Errorf("metrics = %+v", snap)
	}

	// The TwiML for the minted reqId names the media-stream endpoint.
	twimlReq := httptest.NewRequest(http.MethodPost, "/twilio/outbound_twiml?reqId="+reqID, nil)
	twimlResp, err := app.Test(twimlReq)
	if err != nil {
		t.Fatalf("twiml request failed: %v", err)
	}
	defer twimlResp.Body.Close()
	if ct := twimlResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	xml, _ := io.ReadAll(twimlResp.Body)
	if !strings.Contains(string(xml), "/media-stream?reqId="+reqID) {
		t.Errorf("TwiML missing stream URL:\n%s", xml)
	}
}

func TestOutboundCallValidation(t *testing.T) {
	t.Run("missing to", func(t *testing.T) {
		s, app := newTestServer(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/twilio/outbound_call", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()

		if s.metrics.Snapshot().Errors != 0 {
			t.Error("validation failures must not count as errors")
		}
	})

	t.Run("invalid to", func(t *testing.T) {
		_, app := newTestServer(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/twilio/outbound_call",
			strings.NewReader(`{"to":"not-a-number"}`))
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestOutboundCallProviderFailure(t *testing.T) {
	s, app := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/twilio/outbound_call",
		strings.NewReader(`{"to":"+15551234567"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	resp.Body.Close()

	if s.metrics.Snapshot().Errors != 1 {
		t.Error("provider failure should count as an error")
	}
	if s.registry.Len() != 0 {
		t.Error("failed call should not leave a registry entry")
	}
}

func TestTwiMLMissingReqID(t *testing.T) {
	_, app := newTestServer(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/twilio/outbound_twiml", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func postStatus(t *testing.T, app *fiber.App, form string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/twilio/call_status", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestCallStatusTerminalIdempotent(t *testing.T) {
	s, app := newTestServer(t, nil)
	s.metrics.IncCalls()
	s.metrics.IncCalls()

	resp := postStatus(t, app, "CallSid=CA1&CallStatus=completed")
	body := decodeBody(t, resp)
	if body["status"] != "received" {
		t.Errorf("unexpected body: %v", body)
	}
	if s.metrics.Snapshot().Active != 1 {
		t.Errorf("Active = %d, want 1", s.metrics.Snapshot().Active)
	}

	// Duplicate terminal status for the same call must not decrement again.
	resp = postStatus(t, app, "CallSid=CA1&CallStatus=completed")
	resp.Body.Close()
	if s.metrics.Snapshot().Active != 1 {
		t.Errorf("Active = %d after duplicate, want 1", s.metrics.Snapshot().Active)
	}

	// A different call decrements normally.
	resp = postStatus(t, app, "CallSid=CA2&CallStatus=no-answer")
	resp.Body.Close()
	if s.metrics.Snapshot().Active != 0 {
		t.Errorf("Active = %d, want 0", s.metrics.Snapshot().Active)
	}
}

func TestCallStatusNonTerminal(t *testing.T) {
	s, app := newTestServer(t, nil)
	s.metrics.IncCalls()

	resp := postStatus(t, app, "CallSid=CA1&CallStatus=ringing")
	resp.Body.Close()
	if s.metrics.Snapshot().Active != 1 {
		t.Error("non-terminal status must not decrement active calls")
	}
}

func TestCallStatusReleasesContext(t *testing.T) {
	s, app := newTestServer(t, nil)
	s.registry.Put("req1", &bridge.CallContext{RequestID: "req1", CallSID: "CA9", CreatedAt: time.Now()})

	resp := postStatus(t, app, "CallSid=CA9&CallStatus=failed")
	resp.Body.Close()

	if s.registry.Len() != 0 {
		t.Error("terminal status should release the call context")
	}
}

func TestMediaStreamRequiresUpgrade(t *testing.T) {
	_, app := newTestServer(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/media-stream?reqId=abc", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}
