package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/tGecko/snx-rs/common"
)

// IPC commands accepted on the control socket.
const (
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdReconnect  = "reconnect"
	CmdStatus     = "status"
	CmdInfo       = "info"
)

type IpcRequest struct {
	Command string `json:"command"`
}

type IpcLoginOption struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Factors     []string `json:"factors,omitempty"`
}

type IpcDiscovery struct {
	Protocols  []string         `json:"protocols"`
	LoginTypes []IpcLoginOption `json:"login_types"`
}

type IpcResponse struct {
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	Status *StatusInfo   `json:"status,omitempty"`
	Info   *IpcDiscovery `json:"info,omitempty"`
}

// IpcServer exposes the session over a unix socket, one JSON request and
// response per connection. Commands are rate limited so a looping client
// cannot wedge the daemon in connect storms.
type IpcServer struct {
	session *ConnectionSession
	path    string
	log     *slog.Logger
	limiter *rate.Limiter

	// connectTimeout bounds a single connect command end to end.
	connectTimeout time.Duration
}

func NewIpcServer(session *ConnectionSession, path string, log *slog.Logger) *IpcServer {
	return &IpcServer{
		session:        session,
		path:           path,
		log:            log,
		limiter:        rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		connectTimeout: 2 * time.Minute,
	}
}

// Serve listens until the context ends. The stale socket file from a
// crashed daemon is removed first.
func (s *IpcServer) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return common.TransportErrorf("listen on %s: %v", s.path, err)
	}
	defer ln.Close()
	defer os.Remove(s.path)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.Info("ipc listening", "socket", s.path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("ipc accept", "err", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *IpcServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.connectTimeout + 10*time.Second))

	var req IpcRequest
	if err := json.NewDecoder(io.LimitReader(conn, 4096)).Decode(&req); err != nil {
		s.reply(conn, &IpcResponse{Error: "malformed request"})
		return
	}
	if !s.limiter.Allow() {
		s.reply(conn, &IpcResponse{Error: "too many requests"})
		return
	}
	s.reply(conn, s.dispatch(ctx, &req))
}

func (s *IpcServer) dispatch(ctx context.Context, req *IpcRequest) *IpcResponse {
	switch req.Command {
	case CmdConnect:
		cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
		if err := s.session.Connect(cctx); err != nil {
			return &IpcResponse{Error: err.Error()}
		}
	case CmdDisconnect:
		if err := s.session.Disconnect(ctx); err != nil {
			return &IpcResponse{Error: err.Error()}
		}
	case CmdReconnect:
		cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
		if err := s.session.Reconnect(cctx); err != nil {
			return &IpcResponse{Error: err.Error()}
		}
	case CmdStatus:
		st := s.session.Status()
		return &IpcResponse{OK: true, Status: &st}
	case CmdInfo:
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		d, err := s.session.Info(cctx)
		if err != nil {
			return &IpcResponse{Error: err.Error()}
		}
		info := &IpcDiscovery{Protocols: d.Protocols}
		for _, o := range d.LoginTypes {
			info.LoginTypes = append(info.LoginTypes, IpcLoginOption{ID: o.ID, DisplayName: o.DisplayName, Factors: o.Factors})
		}
		return &IpcResponse{OK: true, Info: info}
	default:
		return &IpcResponse{Error: "unknown command " + req.Command}
	}
	st := s.session.Status()
	return &IpcResponse{OK: true, Status: &st}
}

func (s *IpcServer) reply(conn net.Conn, resp *IpcResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Warn("ipc reply", "err", err)
	}
}

// IpcCall sends one command to a running daemon and returns its response.
func IpcCall(path, command string, timeout time.Duration) (*IpcResponse, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, common.TransportErrorf("daemon not reachable at %s: %v", path, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := json.NewEncoder(conn).Encode(&IpcRequest{Command: command}); err != nil {
		return nil, common.TransportErrorf("send ipc request: %v", err)
	}
	var resp IpcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, common.TransportErrorf("read ipc response: %v", err)
	}
	return &resp, nil
}
