package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/fnstack/toolcache/cache"
	"github.com/fnstack/toolcache/logger"
)

// Server exposes one Manager over a unix domain socket. Each connection is
// handled in its own goroutine; requests within a connection are processed
// in order.
type Server struct {
	log      logger.Logger
	manager  *cache.Manager
	path     string
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	once     sync.Once
}

// NewServer creates a daemon server for the given manager and socket path.
// The server does not own the manager; closing it is the caller's job.
func NewServer(ctx context.Context, log logger.Logger, manager *cache.Manager, socketPath string) (*Server, error) {
	if manager == nil {
		return nil, errors.New("daemon: manager is required")
	}
	if socketPath == "" {
		return nil, errors.New("daemon: socket path is required")
	}
	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		log:     log.With(map[string]any{"component": "daemon"}),
		manager: manager,
		path:    socketPath,
		ctx:     serverCtx,
		cancel:  cancel,
	}, nil
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first. The socket is chmod 0600 since
// anyone who can write it can read every cached result.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("daemon: server already running")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, "daemon: create socket directory for %s", s.path)
	}
	_ = os.Remove(s.path)

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrapf(err, "daemon: listen on %s", s.path)
	}
	_ = os.Chmod(s.path, 0o600)
	s.listener = l
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("cache daemon listening on %s", s.path)
	return nil
}

// Stop closes the listener, waits for in-flight connections, and removes the
// socket file. Safe to call more than once.
func (s *Server) Stop() error {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.running {
			return
		}

		s.log.Info("stopping cache daemon")
		s.running = false
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.path)
		s.log.Info("cache daemon stopped")
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			s.log.Warn("accept failed: %s", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Close the connection when the server stops so a blocked Decode
	// unwinds and Stop's wait completes.
	unhook := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer unhook()

	id := uuid.New().String()[:8]
	log := s.log.With(map[string]any{"conn": id})
	log.Debug("connection opened")

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			// io.EOF when the client hangs up; anything else during
			// shutdown is the AfterFunc close.
			log.Debug("connection closed")
			return
		}
		resp := s.handle(req)
		if err := enc.Encode(&resp); err != nil {
			log.Warn("write response for %s failed: %s", req.Op, err)
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch req.Op {
	case OpGet:
		found, val := s.manager.Get(s.ctx, req.Namespace, req.Version, req.Key)
		if !found {
			return Response{OK: true}
		}
		data, err := encodeWire(val)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Found: true, Value: data}

	case OpSet:
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := s.manager.Set(s.ctx, req.Namespace, req.Version, req.Key, cache.Encoded(req.Value), ttl); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case OpDelete:
		s.manager.Delete(s.ctx, req.Namespace, req.Version, req.Key)
		return Response{OK: true}

	case OpClear:
		s.manager.Clear(s.ctx, req.Namespace)
		return Response{OK: true}

	case OpStats:
		st := s.manager.Stats(s.ctx)
		return Response{OK: true, Stats: &st}

	case OpFlush:
		s.manager.Flush()
		return Response{OK: true}

	default:
		return Response{OK: false, Error: "daemon: unknown op " + req.Op}
	}
}

// encodeWire serializes a cached value for the socket. Values the manager
// promoted from the persistent tier are already msgpack bytes; live memory
// values are encoded here.
func encodeWire(val any) ([]byte, error) {
	if enc, ok := val.(cache.Encoded); ok {
		return []byte(enc), nil
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: encode value")
	}
	return data, nil
}
