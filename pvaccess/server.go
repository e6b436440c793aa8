// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RPCHandler services a named RPC endpoint. args carries the request's
// argument record, or an invalid Value for zero-argument calls. The returned
// value, if any, is relayed to the caller; a returned error is relayed as an
// operation failure with the message verbatim.
type RPCHandler func(ctx context.Context, args *Value) (*Value, error)

// StaticSource is a fixed name-to-PV mapping served by a Server. PVs may be
// added and removed while the server runs.
type StaticSource struct {
	mu  sync.Mutex
	pvs map[string]*SharedPV
}

// NewStaticSource returns an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{pvs: make(map[string]*SharedPV)}
}

// Add maps name to pv. Re-adding a name replaces the mapping.
func (s *StaticSource) Add(name string, pv *SharedPV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pvs[name] = pv
}

// Remove unmaps name. Active subscribers observe a Finished event.
func (s *StaticSource) Remove(name string) {
	s.mu.Lock()
	pv, ok := s.pvs[name]
	delete(s.pvs, name)
	s.mu.Unlock()
	if ok {
		pv.finish()
	}
}

// Lookup resolves a PV name.
func (s *StaticSource) Lookup(name string) (*SharedPV, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pv, ok := s.pvs[name]
	return pv, ok
}

// Names returns the mapped PV names, sorted.
func (s *StaticSource) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.pvs))
	for name := range s.pvs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Listener exposes the bound ports of a server's network collaborator.
// An isolated server reports zero for both.
type Listener interface {
	TCPPort() uint16
	UDPPort() uint16
}

// noListener is the isolated-server listener: no sockets, no ports.
type noListener struct{}

func (noListener) TCPPort() uint16 { return 0 }
func (noListener) UDPPort() uint16 { return 0 }

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithOpHook registers an operation dispatch hook. May be given repeatedly;
// hooks run in registration order.
func WithOpHook(h OpHook) ServerOption {
	return func(s *Server) {
		s.hooks = append(s.hooks, h)
	}
}

// WithLogger sets the server's structured logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithListener sets the network collaborator whose ports the server reports.
func WithListener(l Listener) ServerOption {
	return func(s *Server) {
		s.listener = l
	}
}

// Server routes operations to shared PVs and RPC handlers. It owns no
// sockets; transports hand it decoded frames and deliver its responses.
type Server struct {
	id       string
	log      *slog.Logger
	listener Listener
	hooks    []OpHook

	mu      sync.Mutex
	sources []*StaticSource
	rpcs    map[string]RPCHandler
	running bool
}

// NewServer returns a stopped server with one empty static source.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		id:       uuid.NewString(),
		log:      slog.Default(),
		listener: noListener{},
		sources:  []*StaticSource{NewStaticSource()},
		rpcs:     make(map[string]RPCHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewIsolatedServer returns a running server detached from any network
// configuration, for tests and in-process use.
func NewIsolatedServer(opts ...ServerOption) *Server {
	s := NewServer(opts...)
	s.Start()
	return s
}

// ID returns the server's instance id.
func (s *Server) ID() string {
	return s.id
}

// TCPPort returns the listener's bound TCP port, zero when isolated.
func (s *Server) TCPPort() uint16 {
	return s.listener.TCPPort()
}

// UDPPort returns the listener's bound UDP port, zero when isolated.
func (s *Server) UDPPort() uint16 {
	return s.listener.UDPPort()
}

// AddOpHook registers a dispatch hook after construction. Hooks run in
// registration order. Not safe to call concurrently with dispatch.
func (s *Server) AddOpHook(h OpHook) {
	s.hooks = append(s.hooks, h)
}

// AddSource registers an additional PV source. Sources are consulted in
// registration order.
func (s *Server) AddSource(src *StaticSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// AddPV maps name to pv on the server's default source.
func (s *Server) AddPV(name string, pv *SharedPV) {
	s.mu.Lock()
	src := s.sources[0]
	s.mu.Unlock()
	src.Add(name, pv)
	s.log.Debug("pvaccess: pv added", "pv", name, "server", s.id)
}

// RemovePV unmaps name from every source. Active subscribers observe a
// Finished event.
func (s *Server) RemovePV(name string) {
	s.mu.Lock()
	sources := make([]*StaticSource, len(s.sources))
	copy(sources, s.sources)
	s.mu.Unlock()
	for _, src := range sources {
		src.Remove(name)
	}
	s.log.Debug("pvaccess: pv removed", "pv", name, "server", s.id)
}

// HandleRPC registers a handler for a named RPC endpoint. Re-registering a
// name replaces the handler.
func (s *Server) HandleRPC(name string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcs[name] = h
}

// Start begins servicing operations. Idempotent.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.log.Debug("pvaccess: server started", "server", s.id)
}

// Stop stops servicing operations. In-flight dispatches finish; new ones
// fail with CodeConnectionLost. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.log.Debug("pvaccess: server stopped", "server", s.id)
}

// lookupPV resolves a PV name across all sources.
func (s *Server) lookupPV(name string) (*SharedPV, bool) {
	s.mu.Lock()
	sources := make([]*StaticSource, len(s.sources))
	copy(sources, s.sources)
	s.mu.Unlock()
	for _, src := range sources {
		if pv, ok := src.Lookup(name); ok {
			return pv, true
		}
	}
	return nil, false
}

// dispatch services one request frame and builds the response frame. Hooks
// wrap the whole dispatch, including failures.
func (s *Server) dispatch(ctx context.Context, req *frame, stats *FrameStatistics) *frame {
	info := OpInfo{Op: req.op, PV: req.pv, RequestID: req.requestID}
	ctx, tokens := runOpStart(ctx, s.hooks, info)

	resp, err := s.serve(ctx, req)
	if err != nil {
		s.log.Debug("pvaccess: dispatch failed",
			"op", req.op, "pv", req.pv, "request_id", req.requestID, "error", err)
		resp = errorFrame(req.requestID, err)
		resp.pv = req.pv
	}

	runOpEnd(ctx, s.hooks, tokens, info, stats, err)
	return resp
}

// serve routes one request to its PV or RPC handler.
func (s *Server) serve(ctx context.Context, req *frame) (*frame, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, pvErrorf(CodeConnectionLost, req.pv, "server is not running")
	}

	switch req.op {
	case opGet:
		pv, ok := s.lookupPV(req.pv)
		if !ok {
			return nil, pvErrorf(CodeConnectionLost, req.pv, "no channel to pv")
		}
		val, err := pv.Fetch()
		if err != nil {
			return nil, err
		}
		return &frame{requestID: req.requestID, pv: req.pv, value: val}, nil

	case opInfo:
		pv, ok := s.lookupPV(req.pv)
		if !ok {
			return nil, pvErrorf(CodeConnectionLost, req.pv, "no channel to pv")
		}
		val, err := pv.Fetch()
		if err != nil {
			return nil, err
		}
		return &frame{requestID: req.requestID, pv: req.pv, value: val.ShapeClone()}, nil

	case opPut:
		pv, ok := s.lookupPV(req.pv)
		if !ok {
			return nil, pvErrorf(CodeConnectionLost, req.pv, "no channel to pv")
		}
		if err := pv.handlePut(req.value); err != nil {
			return nil, err
		}
		return &frame{requestID: req.requestID, pv: req.pv}, nil

	case opRPC:
		s.mu.Lock()
		h, ok := s.rpcs[req.pv]
		s.mu.Unlock()
		if !ok {
			return nil, pvErrorf(CodeConnectionLost, req.pv, "no rpc endpoint")
		}
		result, err := h(ctx, req.value)
		if err != nil {
			if e, ok := err.(*Error); ok {
				return nil, e
			}
			return nil, pvErrorf(CodeOperationFailed, req.pv, "%s", err.Error())
		}
		return &frame{requestID: req.requestID, pv: req.pv, value: result}, nil

	default:
		return nil, errorf(CodeOperationFailed, "unknown operation %q", req.op)
	}
}

// subscribePV attaches a subscriber sink to a served PV. An unknown name
// fails with CodeConnectionLost.
func (s *Server) subscribePV(name string, sink func(*Event)) (func(), error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, pvErrorf(CodeConnectionLost, name, "server is not running")
	}
	pv, ok := s.lookupPV(name)
	if !ok {
		return nil, pvErrorf(CodeConnectionLost, name, "no channel to pv")
	}
	return pv.attach(sink), nil
}
