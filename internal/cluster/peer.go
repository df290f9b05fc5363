package cluster

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is a remote node this Node has a live connection to: a name, the
// addresses it advertises, the connection, and whether we dialed it or it
// dialed us (isInitiator feeds the connection-contest tie-break).
type Peer struct {
	node *Node

	name        string
	isInitiator bool

	conn net.Conn
	r    *bufio.Reader

	mu        sync.Mutex // guards writes and addresses/nodeType/lastSeen
	addresses []string
	nodeType  string
	lastSeen  time.Time
	closed    bool

	pendingMu sync.Mutex
	pending   map[string]chan rpcResult
}

type rpcResult struct {
	payload []byte
	buffers [][]byte
	err     error
}

func newPeer(n *Node, conn net.Conn, isInitiator bool) *Peer {
	return &Peer{
		node:        n,
		conn:        conn,
		r:           bufio.NewReader(conn),
		isInitiator: isInitiator,
		lastSeen:    time.Now(),
		pending:     make(map[string]chan rpcResult),
	}
}

// Name returns the peer's advertised node name. Empty until the hello
// handshake completes.
func (p *Peer) Name() string { return p.name }

// Addresses returns a copy of the peer's advertised listen addresses.
func (p *Peer) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.addresses))
	copy(out, p.addresses)
	return out
}

// NodeType returns the peer's advertised role ("driver" or "worker").
func (p *Peer) NodeType() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeType
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// LastSeen returns the time of the most recently received frame from this
// peer, used by the watchdog to detect stale connections.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// IPs resolves the set of IP literals this peer's advertised addresses
// point at.
func (p *Peer) IPs() map[string]struct{} {
	return localIPs(p.Addresses())
}

// SharesIPWith reports whether any of this peer's advertised addresses
// resolve to an IP in ips, used by the block manager to prefer
// same-host/LAN sources over remote ones.
func (p *Peer) SharesIPWith(ips map[string]struct{}) bool {
	for ip := range p.IPs() {
		if _, ok := ips[ip]; ok {
			return true
		}
	}
	return false
}

func (p *Peer) send(env *envelope, buffers [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: peer %s is closed", ErrTransport, p.name)
	}
	return writeFrame(p.conn, env, buffers)
}

// Call issues an RPC to the named service/method on this peer and blocks
// until a response arrives, ctx is cancelled, or the peer disconnects. It
// is the client side of every request any service (blockmgr, scheduler
// worker contract) sends over the cluster transport.
func (p *Peer) Call(ctx context.Context, service, method string, payload []byte, buffers ...[]byte) ([]byte, [][]byte, error) {
	id := uuid.NewString()
	ch := make(chan rpcResult, 1)

	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()

	env := &envelope{
		Kind:          kindRequest,
		Service:       service,
		Method:        method,
		CorrelationID: id,
		Payload:       payload,
	}
	if err := p.send(env, buffers); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, nil, err
	}

	select {
	case res := <-ch:
		return res.payload, res.buffers, res.err
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, nil, ctx.Err()
	}
}

// Close tears down the underlying connection and fails any in-flight RPCs.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.pendingMu.Lock()
	for id, ch := range p.pending {
		ch <- rpcResult{err: fmt.Errorf("%w: peer closed", ErrTransport)}
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()

	return p.conn.Close()
}

// readLoop is run by the Node as long as this peer stays connected. It
// demultiplexes frames into RPC responses (resolved against p.pending) and
// everything else (handed to the Node for dispatch).
func (p *Peer) readLoop() {
	for {
		env, buffers, err := readFrame(p.r)
		if err != nil {
			p.node.onPeerReadError(p, err)
			return
		}
		p.touch()

		switch env.Kind {
		case kindResponse, kindErrorReply:
			p.resolve(env, buffers)
		default:
			p.node.dispatch(p, env, buffers)
		}
	}
}

func (p *Peer) resolve(env *envelope, buffers [][]byte) {
	p.pendingMu.Lock()
	ch, ok := p.pending[env.CorrelationID]
	if ok {
		delete(p.pending, env.CorrelationID)
	}
	p.pendingMu.Unlock()
	if !ok {
		return
	}
	if env.Kind == kindErrorReply {
		ch <- rpcResult{err: fmt.Errorf("%s", env.ErrMsg)}
		return
	}
	ch <- rpcResult{payload: env.Payload, buffers: buffers}
}
