// Package bridge implements the per-call relay between a Twilio media
// stream and an ElevenLabs conversational session, plus the shared
// registry, transcript and metrics state.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/callbridge/internal/log"
	"github.com/teslashibe/callbridge/pkg/elevenlabs"
	"github.com/teslashibe/callbridge/pkg/twilio"
)

// Conn is the subset of a WebSocket connection the session uses. Both
// gorilla/websocket and gofiber/contrib/websocket conns satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AIDialer opens a fresh connection to the AI peer. The default dialer
// fetches a signed URL and dials it; tests substitute fakes.
type AIDialer func(ctx context.Context) (Conn, error)

// SessionOptions configures a bridge session.
type SessionOptions struct {
	// TelephonyConn is the accepted media-stream WebSocket.
	TelephonyConn Conn

	// DialAI opens connections to the AI peer.
	DialAI AIDialer

	// Context is the call context claimed by the request ID. May be nil
	// when the registry has no entry for the stream.
	Context *CallContext

	// CallSID keys the transcript; the server falls back to the request
	// ID when no call SID is known.
	CallSID string

	// Shared state.
	Transcripts *TranscriptStore
	Metrics     *Metrics
	Registry    *Registry

	// IdleTimeout is absolute from session open, not rolling.
	IdleTimeout time.Duration

	// MaxRetries caps AI reconnect attempts.
	MaxRetries int
}

// Session relays audio and control frames between one telephony WebSocket
// and one (replaceable) AI WebSocket.
type Session struct {
	logger *slog.Logger

	telephony   Conn
	dialAI      AIDialer
	cc          *CallContext
	callSID     string
	transcripts *TranscriptStore
	metrics     *Metrics
	registry    *Registry
	idleTimeout time.Duration
	maxRetries  int
	backoffUnit time.Duration

	mu                sync.Mutex
	streamSID         string
	aiConn            Conn
	aiConns           int
	aiReady           bool
	readyCounted      bool
	pending           []string
	reconnectAttempts int
	closed            bool

	telWriteMu sync.Mutex
	aiWriteMu  sync.Mutex

	idleTimer *time.Timer
	done      chan struct{}
	aiDone    chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session for one telephony connection.
func NewSession(opts SessionOptions) *Session {
	sid := uuid.NewString()[:8]

	s := &Session{
		logger:      log.With("component", "bridge.session", "session", sid, "call_sid", opts.CallSID),
		telephony:   opts.TelephonyConn,
		dialAI:      opts.DialAI,
		cc:          opts.Context,
		callSID:     opts.CallSID,
		transcripts: opts.Transcripts,
		metrics:     opts.Metrics,
		registry:    opts.Registry,
		idleTimeout: opts.IdleTimeout,
		maxRetries:  opts.MaxRetries,
		done:        make(chan struct{}),
		aiDone:      make(chan struct{}),
	}

	if s.idleTimeout <= 0 {
		s.idleTimeout = 5 * time.Minute
	}
	s.backoffUnit = time.Second
	return s
}

// Run drives the session until either peer closes, the retry budget is
// exhausted or the idle timer fires. It blocks the caller (the WebSocket
// handler goroutine) for the call lifetime.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.transcripts != nil {
		s.transcripts.Start(s.callSID)
	}

	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.logger.Warn("media stream timeout reached, closing session", "timeout", s.idleTimeout)
		s.shutdown()
	})
	s.mu.Unlock()

	// Process shutdown tears the session down with everything else.
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.done:
		}
	}()

	go s.maintainAI(ctx)

	s.readTelephony()
	s.shutdown()
	cancel()
	<-s.aiDone

	if s.registry != nil {
		s.registry.ForgetCall(s.callSID)
	}
	s.logger.Info("session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// shutdown transitions the session to terminal and closes both peers.
// Safe to call from any goroutine, any number of times.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		aiConn := s.aiConn
		idleTimer := s.idleTimer
		s.mu.Unlock()

		if idleTimer != nil {
			idleTimer.Stop()
		}
		close(s.done)

		if aiConn != nil {
			s.closeConn(aiConn, &s.aiWriteMu)
		}
		s.closeConn(s.telephony, &s.telWriteMu)
	})
}

func (s *Session) closeConn(conn Conn, writeMu *sync.Mutex) {
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	_ = conn.Close()
}

// --- Telephony side ---

func (s *Session) readTelephony() {
	for {
		_, data, err := s.telephony.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.logger.Info("telephony socket closed", "error", err)
			}
			return
		}
		s.handleTelephonyFrame(data)
		if s.isClosed() {
			return
		}
	}
}

func (s *Session) handleTelephonyFrame(data []byte) {
	var frame twilio.StreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("dropping unparseable telephony frame", "error", err)
		return
	}

	switch frame.Event {
	case twilio.StreamEventStart:
		if frame.Start == nil || frame.Start.StreamSid == "" {
			s.logger.Warn("start event without streamSid")
			return
		}
		s.mu.Lock()
		s.streamSID = frame.Start.StreamSid
		s.mu.Unlock()
		s.logger.Info("media stream started",
			"stream_sid", frame.Start.StreamSid, "twilio_call_sid", frame.Start.CallSid)

	case twilio.StreamEventMedia:
		if frame.Media == nil {
			return
		}
		s.mu.Lock()
		started := s.streamSID != ""
		s.mu.Unlock()
		if !started {
			s.logger.Debug("ignoring media before start event")
			return
		}
		s.forwardCallerAudio(frame.Media.Payload)

	case twilio.StreamEventStop:
		s.logger.Info("caller ended media stream")
		s.shutdown()

	default:
		s.logger.Debug("ignoring telephony event", "event", frame.Event)
	}
}

// forwardCallerAudio sends a caller audio payload to the AI peer, or
// buffers it until the AI session is ready.
func (s *Session) forwardCallerAudio(payload string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.aiReady || s.aiConn == nil {
		s.pending = append(s.pending, payload)
		s.mu.Unlock()
		return
	}
	conn := s.aiConn
	s.mu.Unlock()

	s.sendUserAudio(conn, payload)
}

func (s *Session) sendUserAudio(conn Conn, payload string) {
	data, err := elevenlabs.MarshalUserAudioChunk(payload)
	if err != nil {
		s.logger.Warn("marshal user audio failed", "error", err)
		return
	}
	s.aiWriteMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.aiWriteMu.Unlock()
	if err != nil && !s.isClosed() {
		s.logger.Warn("send to AI failed", "error", err)
	}
}

// --- AI side ---

// maintainAI keeps an AI connection alive for the session lifetime,
// reconnecting with bounded exponential backoff. Buffered caller audio
// survives reconnects.
func (s *Session) maintainAI(ctx context.Context) {
	defer close(s.aiDone)

	for {
		if s.isClosed() || ctx.Err() != nil {
			return
		}

		conn, err := s.dialAI(ctx)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = conn.Close()
				return
			}
			s.aiConn = conn
			s.aiConns++
			s.readyCounted = false
			s.mu.Unlock()

			s.logger.Info("AI socket open")
			s.sendInitData(conn)
			s.readAI(conn)

			s.mu.Lock()
			if s.aiConn == conn {
				s.aiConn = nil
			}
			s.aiReady = false
			s.mu.Unlock()
			_ = conn.Close()

			if s.isClosed() {
				return
			}
			s.logger.Warn("AI socket closed, scheduling reconnect")
		} else {
			if s.isClosed() || ctx.Err() != nil {
				return
			}
			s.logger.Warn("AI connect failed", "error", err)
		}

		s.mu.Lock()
		s.reconnectAttempts++
		attempts := s.reconnectAttempts
		s.mu.Unlock()

		if attempts > s.maxRetries {
			s.logger.Error("AI retries exhausted, closing call", "retries", s.maxRetries)
			if s.metrics != nil {
				s.metrics.IncErrors()
			}
			s.shutdown()
			return
		}

		delay := time.Duration(1<<(attempts-1)) * s.backoffUnit
		s.logger.Info("backing off before AI reconnect", "attempt", attempts, "delay", delay)
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// sendInitData sends the conversation overrides once per AI connection,
// before readiness. Skipped when the context carries nothing.
func (s *Session) sendInitData(conn Conn) {
	if s.cc == nil {
		return
	}
	init := elevenlabs.InitClientData{
		Script:  s.cc.Script,
		Persona: s.cc.Persona,
		Context: s.cc.Context,
	}
	if init.Empty() {
		return
	}

	data, err := elevenlabs.MarshalInitFrame(init)
	if err != nil {
		s.logger.Warn("marshal init data failed", "error", err)
		return
	}
	s.aiWriteMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.aiWriteMu.Unlock()
	if err != nil {
		s.logger.Warn("send init data failed", "error", err)
	}
}

func (s *Session) readAI(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.logger.Warn("AI read error", "error", err)
			}
			return
		}
		s.handleAIEvent(conn, data)
	}
}

func (s *Session) handleAIEvent(conn Conn, data []byte) {
	var ev elevenlabs.ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("dropping unparseable AI frame", "error", err)
		return
	}

	switch ev.Type {
	case elevenlabs.EventConversationInitiationMetadata:
		s.handleAIReady(conn)

	case elevenlabs.EventAudio:
		if ev.AudioEvent == nil || ev.AudioEvent.AudioBase64 == "" {
			return
		}
		s.sendTelephonyMedia(ev.AudioEvent.AudioBase64)

	case elevenlabs.EventInterruption:
		s.sendTelephonyClear()

	case elevenlabs.EventPing:
		if ev.PingEvent == nil {
			return
		}
		s.sendPong(conn, ev.PingEvent.EventID)

	case elevenlabs.EventUserTranscript:
		if ev.UserTranscription != nil && s.transcripts != nil {
			s.transcripts.Append(s.callSID, Turn{
				Role:      RoleUser,
				Text:      ev.UserTranscription.Transcript,
				Timestamp: time.Now(),
			})
		}

	case elevenlabs.EventAgentResponse:
		if ev.AgentResponseEvent != nil && s.transcripts != nil {
			s.transcripts.Append(s.callSID, Turn{
				Role:      RoleAgent,
				Text:      ev.AgentResponseEvent.Response,
				Timestamp: time.Now(),
			})
		}

	default:
		s.logger.Debug("unhandled AI event", "type", ev.Type)
	}
}

// handleAIReady flips the session to ready after draining buffered caller
// audio in arrival order. Audio arriving mid-flush keeps appending to the
// buffer until the drain loop observes it empty.
func (s *Session) handleAIReady(conn Conn) {
	s.mu.Lock()
	s.reconnectAttempts = 0
	reconnected := s.aiConns > 1 && !s.readyCounted
	s.readyCounted = true
	s.mu.Unlock()

	if reconnected {
		if s.metrics != nil {
			s.metrics.IncReconnects()
		}
		s.logger.Info("AI conversation re-established")
	} else {
		s.logger.Info("AI conversation ready")
	}

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.aiReady = true
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		s.logger.Debug("flushing buffered caller audio", "chunks", len(batch))
		for _, payload := range batch {
			s.sendUserAudio(conn, payload)
		}
	}
}

func (s *Session) sendPong(conn Conn, eventID json.RawMessage) {
	data, err := elevenlabs.MarshalPong(eventID)
	if err != nil {
		s.logger.Warn("marshal pong failed", "error", err)
		return
	}
	s.aiWriteMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.aiWriteMu.Unlock()
	if err != nil && !s.isClosed() {
		s.logger.Warn("send pong failed", "error", err)
	}
}

// sendTelephonyMedia forwards AI audio to the caller. Frames that cannot
// be tagged with a stream SID are dropped.
func (s *Session) sendTelephonyMedia(payload string) {
	s.mu.Lock()
	sid := s.streamSID
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	if sid == "" {
		s.logger.Debug("dropping AI audio before stream start")
		return
	}

	data, err := twilio.MarshalMedia(sid, payload)
	if err != nil {
		s.logger.Warn("marshal media frame failed", "error", err)
		return
	}
	s.writeTelephony(data)
}

// sendTelephonyClear instructs the caller side to discard queued playback
// after a barge-in.
func (s *Session) sendTelephonyClear() {
	s.mu.Lock()
	sid := s.streamSID
	closed := s.closed
	s.mu.Unlock()

	if closed || sid == "" {
		return
	}

	data, err := twilio.MarshalClear(sid)
	if err != nil {
		s.logger.Warn("marshal clear frame failed", "error", err)
		return
	}
	s.logger.Info("interruption, clearing playback")
	s.writeTelephony(data)
}

func (s *Session) writeTelephony(data []byte) {
	s.telWriteMu.Lock()
	err := s.telephony.WriteMessage(websocket.TextMessage, data)
	s.telWriteMu.Unlock()
	if err != nil && !s.isClosed() {
		s.logger.Warn("send to telephony failed", "error", err)
	}
}
