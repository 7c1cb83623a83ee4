package wire

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Handler processes one received frame. The receiving side supplies it,
// handling the signals it owns and ignoring the rest; no package in this
// module outside pkg/wire's tests defines one.
type Handler func(from string, sig Signal, body []byte) error

// TCPPeer is a minimal framed-TCP transport: dial a resolved address on
// demand and frame manually, the same shape raft.NewTCPTransport uses
// internally, without that package's consensus/replicated-log machinery
// (this engine recovers via global restart from checkpoint, not per-RPC
// retry — see the checkpoint package).
type TCPPeer struct {
	bindAddr string
	listener net.Listener
	handler  Handler

	mu    sync.Mutex
	conns map[string]net.Conn

	dialTimeout time.Duration
}

// NewTCPPeer starts listening on bindAddr and dispatches every accepted
// connection's frames to handler until Close is called.
func NewTCPPeer(bindAddr string, handler Handler) (*TCPPeer, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen on %s: %w", bindAddr, err)
	}
	p := &TCPPeer{
		bindAddr:    bindAddr,
		listener:    ln,
		handler:     handler,
		conns:       make(map[string]net.Conn),
		dialTimeout: 10 * time.Second,
	}
	go p.acceptLoop()
	return p, nil
}

// Addr returns the address this peer is listening on.
func (p *TCPPeer) Addr() string {
	return p.listener.Addr().String()
}

func (p *TCPPeer) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.serve(conn)
	}
}

func (p *TCPPeer) serve(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	for {
		sig, body, err := ReadFrameRaw(conn)
		if err != nil {
			return
		}
		if err := p.handler(remote, sig, body); err != nil {
			return
		}
	}
}

// Send dials addr (reusing a cached connection when possible) and writes
// one frame. It is safe to call from the single cooperative goroutine only
// (no internal locking around the write itself, matching the engine's
// single-threaded-per-process rule); the conns map lock only protects
// connection reuse bookkeeping.
func (p *TCPPeer) Send(addr string, sig Signal, body any) error {
	conn, err := p.dial(addr)
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, sig, body); err != nil {
		p.mu.Lock()
		delete(p.conns, addr)
		p.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

func (p *TCPPeer) dial(addr string) (net.Conn, error) {
	p.mu.Lock()
	if conn, ok := p.conns[addr]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}

	p.mu.Lock()
	p.conns[addr] = conn
	p.mu.Unlock()
	return conn, nil
}

// Close shuts down the listener and all cached outbound connections.
func (p *TCPPeer) Close() error {
	p.mu.Lock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
	p.mu.Unlock()
	return p.listener.Close()
}
