// Package stub is a chat-completions compatible endpoint for local runs and
// tests. It echoes the last user message and can inject scripted failures.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/3cpo-dev/fanout/internal/telemetry"
)

// Failure modes for injected failures.
const (
	// FailStatus answers with Server.FailStatus.
	FailStatus = "status"
	// FailDrop closes the connection without a response.
	FailDrop = "drop"
)

type Server struct {
	Version string
	// Token, when set, is required as a bearer token.
	Token string
	// Upper upper-cases echoed replies.
	Upper bool
	// FailFirst makes the first N chat requests fail.
	FailFirst int
	// FailMode is FailStatus (default) or FailDrop.
	FailMode string
	// FailStatus is the injected status code (default 503).
	FailStatus int
	// Latency delays every chat reply.
	Latency time.Duration

	requests atomic.Int64
	failed   atomic.Int64
	mu       sync.Mutex
	srv      *http.Server
}

// Requests returns how many chat requests were received.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Injected returns how many requests were failed on purpose.
func (s *Server) Injected() int64 { return s.failed.Load() }

// Handler returns the stub's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		telemetry.CounterGlobal("fanout_stub_heartbeats", 1, map[string]string{"endpoint": "heartbeat"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HeartbeatResponse{
			Time:     time.Now(),
			Host:     r.Host,
			Version:  s.Version,
			Requests: s.requests.Load(),
		})
	})
	mux.HandleFunc("/v1/chat/completions", s.chat)
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		telemetry.CounterGlobal("fanout_stub_errors", 1, map[string]string{"error": "unauthorized"})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	n := s.requests.Add(1)
	if n <= int64(s.FailFirst) {
		s.fail(w)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.CounterGlobal("fanout_stub_errors", 1, map[string]string{"error": "decode_request"})
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.Latency):
		}
	}

	var last string
	var promptLen int
	for _, m := range req.Messages {
		promptLen += len(m.Content)
		if m.Role == "user" {
			last = m.Content
		}
	}
	reply := last
	if s.Upper {
		reply = strings.ToUpper(reply)
	}
	model := req.Model
	if model == "" {
		model = "stub"
	}

	resp := ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{Message: Message{Role: "assistant", Content: reply}, FinishReason: "stop"}},
		Usage: Usage{
			PromptTokens:     promptLen / 4,
			CompletionTokens: len(reply) / 4,
			TotalTokens:      (promptLen + len(reply)) / 4,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)

	labels := map[string]string{"endpoint": "chat", "status": "200"}
	telemetry.CounterGlobal("fanout_stub_replies", 1, labels)
	telemetry.HistogramGlobal("fanout_stub_prompt_bytes", float64(promptLen), labels)
	telemetry.TimerGlobal("fanout_stub_request_duration", time.Since(start), labels)
}

func (s *Server) fail(w http.ResponseWriter) {
	s.failed.Add(1)
	if s.FailMode == FailDrop {
		telemetry.CounterGlobal("fanout_stub_injected", 1, map[string]string{"mode": FailDrop})
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		// Recorders cannot be hijacked; abort the handler instead.
		panic(http.ErrAbortHandler)
	}
	status := s.FailStatus
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	telemetry.CounterGlobal("fanout_stub_injected", 1, map[string]string{"mode": FailStatus, "status": strconv.Itoa(status)})
	http.Error(w, "injected failure", status)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.mu.Unlock()
	return srv.Serve(ln)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}
