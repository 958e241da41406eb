// Package operator — server.go
//
// Unix domain socket server for sequencer operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/rollroof/operator.sock (configurable).
// Permissions: 0600. Local-only — never networked.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns the machine's current state, the in-flight OB (if any),
//	    and per-state dwell times so far.
//	  → Response: {"ok":true,"state":"observing","current_ob":"M31",
//	               "durations":{"sleeping":"12s", ...}}
//
//	{"cmd":"abort"}
//	  → Sets we_are_done = true — the same graceful-shutdown path every
//	    guard already reads. No bypass of the state machine: the machine
//	    still has to walk through its own waiting/parking/closing states
//	    before it actually stops.
//	  → Response: {"ok":true}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: one 10s deadline covering the read and the write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/statemachine"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Model is the subset of internal/driver.Model the operator socket needs:
// read-only status plus the one mutation it is allowed to request.
type Model interface {
	CurrentState() statemachine.State
	CurrentOB() *ob.Block
	Durations() map[statemachine.State]time.Duration
	Abort()
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd string `json:"cmd"` // status | abort
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK        bool              `json:"ok"`
	Error     string            `json:"error,omitempty"`
	State     string            `json:"state,omitempty"`
	CurrentOB string            `json:"current_ob,omitempty"`
	Durations map[string]string `json:"durations,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	model      Model
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, model Model, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		model:      model,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection: one JSON request, one
// JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "abort":
		return s.cmdAbort()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q (valid: status, abort)", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	durations := make(map[string]string, len(s.model.Durations()))
	for state, d := range s.model.Durations() {
		durations[state.String()] = d.Round(time.Second).String()
	}
	name := ""
	if current := s.model.CurrentOB(); current != nil {
		name = current.Target.Name
	}
	return Response{
		OK:        true,
		State:     s.model.CurrentState().String(),
		CurrentOB: name,
		Durations: durations,
	}
}

func (s *Server) cmdAbort() Response {
	s.model.Abort()
	s.log.Info("operator: abort requested, we_are_done set")
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
