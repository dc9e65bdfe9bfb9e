// Package server wires the HTTP control plane and the media-stream
// WebSocket endpoint onto a Fiber app.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	gorillaws "github.com/gorilla/websocket"

	"github.com/teslashibe/callbridge/internal/config"
	"github.com/teslashibe/callbridge/internal/log"
	"github.com/teslashibe/callbridge/pkg/bridge"
	"github.com/teslashibe/callbridge/pkg/elevenlabs"
	"github.com/teslashibe/callbridge/pkg/twilio"
)

// Server holds the relay's shared state and HTTP handlers.
type Server struct {
	cfg         *config.Config
	eleven      *elevenlabs.Client
	twilioAPI   *twilio.Client
	registry    *bridge.Registry
	transcripts *bridge.TranscriptStore
	metrics     *bridge.Metrics
	startTime   time.Time
	baseCtx     context.Context

	// Terminal call statuses already counted, for idempotent decrements.
	termMu   sync.Mutex
	terminal map[string]time.Time
}

// New creates a server. ctx bounds background work (sweeper, sessions).
func New(ctx context.Context, cfg *config.Config, eleven *elevenlabs.Client, twilioAPI *twilio.Client) *Server {
	return &Server{
		cfg:         cfg,
		eleven:      eleven,
		twilioAPI:   twilioAPI,
		registry:    bridge.NewRegistry(bridge.DefaultContextTTL),
		transcripts: bridge.NewTranscriptStore(),
		metrics:     bridge.NewMetrics(),
		startTime:   time.Now(),
		baseCtx:     ctx,
		terminal:    make(map[string]time.Time),
	}
}

// StartSweeper runs the hourly registry TTL sweep and prunes the
// terminal-status dedup set.
func (s *Server) StartSweeper(interval time.Duration) {
	s.registry.StartSweeper(s.baseCtx, interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.baseCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-bridge.DefaultContextTTL)
				s.termMu.Lock()
				for sid, seen := range s.terminal {
					if seen.Before(cutoff) {
						delete(s.terminal, sid)
					}
				}
				s.termMu.Unlock()
			}
		}
	}()
}

// RegisterRoutes registers all HTTP and WebSocket routes on a Fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Get("/", s.handleRoot)
	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)
	app.Get("/transcripts/:callSid", s.handleTranscript)

	app.Post("/twilio/outbound_call", s.handleOutboundCall)
	app.Post("/twilio/outbound_twiml", s.handleOutboundTwiML)
	app.Post("/twilio/call_status", s.handleCallStatus)

	// WebSocket upgrade middleware
	app.Use("/media-stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/media-stream", websocket.New(s.handleMediaStream))
}

func (s *Server) handleRoot(c *fiber.Ctx) error {
	env := s.cfg.Env
	if env == "" {
		env = "development"
	}
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      s.cfg.Port,
		"env":       env,
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	return c.SendString(s.metrics.RenderPrometheus())
}

func (s *Server) handleTranscript(c *fiber.Ctx) error {
	callSid := c.Params("callSid")
	return c.JSON(fiber.Map{
		"callSid":    callSid,
		"transcript": s.transcripts.Read(callSid),
	})
}

// outboundCallRequest is the control-plane body for placing a call.
type outboundCallRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Script  string `json:"script"`
	Persona string `json:"persona"`
	Context string `json:"context"`
}

func (s *Server) handleOutboundCall(c *fiber.Ctx) error {
	var req outboundCallRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}

	if req.To == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "missing required field: to",
		})
	}
	if !twilio.ValidatePhoneNumber(req.To) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   fmt.Sprintf("invalid phone number: %s", req.To),
		})
	}

	from := req.From
	if from == "" {
		from = s.cfg.TwilioPhoneNumber
	}

	reqID, err := newRequestID()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to create request id",
		})
	}

	s.registry.Put(reqID, &bridge.CallContext{
		RequestID: reqID,
		Script:    req.Script,
		Persona:   req.Persona,
		Context:   req.Context,
		CreatedAt: time.Now(),
	})

	host := c.Hostname()
	scheme := httpScheme(host)
	call, err := s.twilioAPI.CreateCall(s.baseCtx, twilio.CallParams{
		To:                req.To,
		From:              from,
		TwiMLURL:          fmt.Sprintf("%s://%s/twilio/outbound_twiml?reqId=%s", scheme, host, reqID),
		StatusCallbackURL: fmt.Sprintf("%s://%s/twilio/call_status", scheme, host),
	})
	if err != nil {
		s.registry.Remove(reqID)
		s.metrics.IncErrors()
		log.Error("outbound call failed", "to", req.To, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to create call",
		})
	}

	s.registry.SetCallSID(reqID, call.Sid)
	s.metrics.IncCalls()
	log.Info("outbound call created", "call_sid", call.Sid, "to", req.To, "req_id", reqID)

	return c.JSON(fiber.Map{
		"success":   true,
		"callSid":   call.Sid,
		"to":        req.To,
		"from":      from,
		"status":    call.Status,
		"reqId":     reqID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOutboundTwiML(c *fiber.Ctx) error {
	reqID := c.Query("reqId")
	if reqID == "" {
		return c.Status(fiber.StatusBadRequest).SendString("missing reqId")
	}

	c.Set(fiber.HeaderContentType, "text/xml")
	return c.SendString(twilio.StreamTwiML(c.Hostname(), reqID))
}

func (s *Server) handleCallStatus(c *fiber.Ctx) error {
	callSid := c.FormValue("CallSid")
	status := c.FormValue("CallStatus")
	log.Debug("call status", "call_sid", callSid, "status", status,
		"duration", c.FormValue("CallDuration"))

	if twilio.IsTerminalStatus(status) && callSid != "" {
		s.termMu.Lock()
		_, seen := s.terminal[callSid]
		if !seen {
			s.terminal[callSid] = time.Now()
		}
		s.termMu.Unlock()

		if !seen {
			s.metrics.DecActive()
			s.registry.ForgetCall(callSid)
			log.Info("call ended", "call_sid", callSid, "status", status)
		}
	}

	return c.JSON(fiber.Map{"status": "received"})
}

// handleMediaStream bridges one Twilio media stream to the AI peer. It
// blocks for the call lifetime, as the fiber websocket handler owns the
// connection goroutine.
func (s *Server) handleMediaStream(c *websocket.Conn) {
	reqID := c.Query("reqId")

	cc, ok := s.registry.Get(reqID)
	callSID := reqID
	if ok && cc.CallSID != "" {
		callSID = cc.CallSID
	}
	if !ok {
		log.Warn("media stream with unknown reqId", "req_id", reqID)
	}

	session := bridge.NewSession(bridge.SessionOptions{
		TelephonyConn: c,
		DialAI:        s.dialAI,
		Context:       cc,
		CallSID:       callSID,
		Transcripts:   s.transcripts,
		Metrics:       s.metrics,
		Registry:      s.registry,
		IdleTimeout:   s.cfg.MediaStreamTimeout,
		MaxRetries:    s.cfg.MaxRetries,
	})
	session.Run(s.baseCtx)
}

// dialAI fetches a fresh signed URL and dials it. One call equals one
// reconnect attempt; the session owns the retry policy.
func (s *Server) dialAI(ctx context.Context) (bridge.Conn, error) {
	signedURL, err := s.eleven.SignedURL(ctx, s.cfg.ElevenLabsAgentID)
	if err != nil {
		return nil, err
	}

	dialer := gorillaws.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		if resp != nil {
			return nil, elevenlabs.NewConnectionError(
				fmt.Sprintf("dial failed with status %d", resp.StatusCode), err)
		}
		return nil, elevenlabs.NewConnectionError("dial failed", err)
	}
	return conn, nil
}

// newRequestID mints the opaque 16-hex-char ID that links the outbound
// call to its later media-stream connection.
func newRequestID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func httpScheme(host string) string {
	if twilio.IsLoopbackHost(host) {
		return "http"
	}
	return "https"
}
