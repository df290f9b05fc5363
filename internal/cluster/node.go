// Package cluster implements the peer membership and RPC transport layer:
// hello handshakes, a connection-contest tie-break for simultaneous dials,
// gossip-based peer discovery, and a generic envelope+attachment transport
// that the block manager and scheduler worker contract run their RPCs over.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

// Service is registered under a name on a Node and handles RPC requests
// addressed to that name. The wire dispatcher routes (service, method)
// pairs here instead of exposing node internals directly.
type Service interface {
	Name() string
	Handle(ctx context.Context, from *Peer, method string, payload []byte, buffers [][]byte) ([]byte, [][]byte, error)
}

// Options configures a Node. Zero values fall back to sane defaults so
// tests can construct a Node without wiring a full config.Config.
type Options struct {
	Seeds            []string
	HelloTimeout     time.Duration
	WatchdogInterval time.Duration
	WatchdogMisses   int
	SeedBackoffMin   time.Duration
	SeedBackoffMax   time.Duration
	PortProbeRange   int
	Logger           *zap.SugaredLogger
}

func (o *Options) setDefaults() {
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = 5 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 15 * time.Second
	}
	if o.WatchdogMisses <= 0 {
		o.WatchdogMisses = 3
	}
	if o.SeedBackoffMin <= 0 {
		o.SeedBackoffMin = 500 * time.Millisecond
	}
	if o.SeedBackoffMax <= 0 {
		o.SeedBackoffMax = 30 * time.Second
	}
	if o.PortProbeRange <= 0 {
		o.PortProbeRange = 1000
	}
	if o.Logger == nil {
		l, _ := zap.NewProduction()
		o.Logger = l.Sugar()
	}
}

// Node is a member of the fabric: it listens for inbound connections, dials
// seeds and gossiped peers, and multiplexes RPC requests to registered
// services.
type Node struct {
	name     string
	nodeType string

	opts Options

	mu        sync.RWMutex
	addresses []string
	listeners []net.Listener
	peers     map[string]*Peer
	services  map[string]Service

	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	// OnPeerUp/OnPeerDown, if set, are invoked whenever a peer is added to
	// or removed from the table -- the scheduler uses this to keep its
	// worker pool in sync with cluster membership.
	OnPeerUp   func(*Peer)
	OnPeerDown func(*Peer)
}

// NewNode creates a Node identified by name, of the given nodeType
// ("driver" or "worker"), that will attempt to listen on each of
// addresses. Listening does not happen until Start is called.
func NewNode(name, nodeType string, addresses []string, opts Options) (*Node, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: node name must not be empty", ErrConfiguration)
	}
	opts.setDefaults()
	if len(addresses) == 0 {
		addresses = []string{defaultUnixAddress(name)}
	}
	return &Node{
		name:      name,
		nodeType:  nodeType,
		opts:      opts,
		addresses: append([]string(nil), addresses...),
		peers:     make(map[string]*Peer),
		services:  make(map[string]Service),
		log:       opts.Logger,
	}, nil
}

// Name returns this node's identity string.
func (n *Node) Name() string { return n.name }

// NodeType returns "driver" or "worker".
func (n *Node) NodeType() string { return n.nodeType }

// RegisterService installs svc under its own name, reachable by peers as
// the Service field of a request envelope.
func (n *Node) RegisterService(svc Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services[svc.Name()] = svc
}

// Start opens listeners on all configured addresses, begins accepting
// inbound connections, dials configured seeds, and starts the watchdog.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	resolved := make([]string, 0, len(n.addresses))
	for _, addr := range n.addresses {
		ln, actual, err := listen(addr, n.opts.PortProbeRange)
		if err != nil {
			n.cancel()
			return err
		}
		n.listeners = append(n.listeners, ln)
		resolved = append(resolved, actual)

		n.wg.Add(1)
		go n.acceptLoop(ln)
	}
	n.mu.Lock()
	n.addresses = resolved
	n.mu.Unlock()

	n.log.Infow("node listening", "name", n.name, "addresses", resolved)

	own := make(map[string]struct{}, len(resolved))
	for _, a := range resolved {
		own[a] = struct{}{}
	}
	for _, seed := range n.opts.Seeds {
		if _, self := own[seed]; self {
			continue
		}
		n.wg.Add(1)
		go n.dialSeedLoop(seed)
	}

	n.wg.Add(1)
	go n.watchdogLoop()

	return nil
}

// Addresses returns the node's resolved listen addresses (post port-probe).
func (n *Node) Addresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.addresses))
	copy(out, n.addresses)
	return out
}

// Close stops listening, disconnects every peer, and waits for background
// goroutines to exit.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.mu.Lock()
		for _, ln := range n.listeners {
			err = multierr.Append(err, ln.Close())
		}
		peers := make([]*Peer, 0, len(n.peers))
		for _, p := range n.peers {
			peers = append(peers, p)
		}
		n.mu.Unlock()

		for _, p := range peers {
			err = multierr.Append(err, p.Close())
		}
		n.wg.Wait()
	})
	return err
}

// Peers returns a snapshot of currently connected peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// PeersByType returns connected peers advertising the given node type
// ("worker" or "driver").
func (n *Node) PeersByType(nodeType string) []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		if p.NodeType() == nodeType {
			out = append(out, p)
		}
	}
	return out
}

// LocalIPs resolves the IP literals this node's own listen addresses
// correspond to, used by the block manager to prefer same-host/LAN
// sources over remote ones.
func (n *Node) LocalIPs() map[string]struct{} {
	return localIPs(n.Addresses())
}

// Peer looks up a connected peer by name.
func (n *Node) Peer(name string) (*Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[name]
	return p, ok
}

func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				n.log.Debugw("accept error", "err", err)
				return
			}
		}
		n.wg.Add(1)
		go n.handleConnection(conn, false)
	}
}

// Connect dials addr and, on a successful handshake, adds the remote as a
// peer (subject to the connection-contest tie-break if one is already
// connected under the same name). The handshake and admission happen
// asynchronously; Connect only reports a dial failure.
func (n *Node) Connect(addr string) error {
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	n.wg.Add(1)
	go n.handleConnection(conn, true)
	return nil
}

func (n *Node) handleConnection(conn net.Conn, initiator bool) {
	defer n.wg.Done()
	p := newPeer(n, conn, initiator)

	if err := n.shakeHands(p); err != nil {
		n.log.Debugw("handshake failed", "err", err, "initiator", initiator)
		conn.Close()
		return
	}

	if !n.admit(p) {
		conn.Close()
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		p.readLoop()
	}()

	go n.notifyPeers(p)
}

// shakeHands performs the HELLO exchange. The initiator sends first; the
// acceptor replies. Both directions carry the same helloPayload shape.
func (n *Node) shakeHands(p *Peer) error {
	self := n.selfAdvert()

	var incoming helloPayload
	var readErr error
	done := make(chan struct{})

	send := func() error {
		payload, err := encodeGob(self)
		if err != nil {
			return err
		}
		return p.send(&envelope{Kind: kindHello, Payload: payload}, nil)
	}
	recv := func() {
		defer close(done)
		env, _, err := readFrame(p.r)
		if err != nil {
			readErr = err
			return
		}
		if env.Kind != kindHello {
			readErr = fmt.Errorf("%w: expected hello, got %s", ErrHandshakeFailed, env.Kind)
			return
		}
		readErr = decodeGob(env.Payload, &incoming)
	}

	if p.isInitiator {
		if err := send(); err != nil {
			return err
		}
		go recv()
	} else {
		go recv()
	}

	select {
	case <-done:
	case <-time.After(n.opts.HelloTimeout):
		return fmt.Errorf("%w: timed out waiting for hello", ErrHandshakeFailed)
	}
	if readErr != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, readErr)
	}

	if !p.isInitiator {
		if err := send(); err != nil {
			return err
		}
	}

	if incoming.Name == "" {
		return fmt.Errorf("%w: hello missing name", ErrHandshakeFailed)
	}
	if incoming.Name == n.name {
		return fmt.Errorf("%w: refusing to connect to self", ErrHandshakeFailed)
	}

	p.name = incoming.Name
	p.mu.Lock()
	p.addresses = incoming.Addresses
	p.nodeType = incoming.NodeType
	p.mu.Unlock()

	for _, advert := range incoming.KnownPeers {
		n.considerDiscovered(advert)
	}
	return nil
}

func (n *Node) selfAdvert() helloPayload {
	n.mu.RLock()
	defer n.mu.RUnlock()
	known := make([]peerAdvert, 0, len(n.peers))
	for _, p := range n.peers {
		known = append(known, peerAdvert{Name: p.name, Addresses: p.Addresses(), NodeType: p.NodeType()})
	}
	return helloPayload{
		Name:       n.name,
		Addresses:  append([]string(nil), n.addresses...),
		NodeType:   n.nodeType,
		KnownPeers: known,
	}
}

// preferred reports whether the connection represented by p should win a
// connection contest against any other connection under the same peer
// name. The total order: the lexicographically lower-named side's outbound
// (initiator) connection always wins, which both ends of any given socket
// agree on regardless of which one actually dialed.
func (n *Node) preferred(p *Peer) bool {
	return p.isInitiator == (n.name < p.name)
}

// admit applies the connection-contest tie-break and, if this connection
// survives, installs it into the peer table. Returns false if the caller
// should close the connection it just handshook.
func (n *Node) admit(p *Peer) bool {
	for {
		n.mu.Lock()
		existing, ok := n.peers[p.name]
		if !ok {
			n.peers[p.name] = p
			n.mu.Unlock()
			break
		}
		if !n.preferred(p) {
			n.mu.Unlock()
			n.log.Infow("already connected, old connection wins", "peer", p.name)
			return false
		}
		// closing outside the mutex, then re-checking, since another
		// connection for the same name may land in the gap
		delete(n.peers, p.name)
		n.mu.Unlock()
		n.log.Infow("already connected, new connection wins", "peer", p.name)
		existing.Close()
	}

	if n.OnPeerUp != nil {
		n.OnPeerUp(p)
	}
	return true
}

func (n *Node) removePeer(p *Peer) {
	n.mu.Lock()
	if cur, ok := n.peers[p.name]; ok && cur == p {
		delete(n.peers, p.name)
	} else {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	if n.OnPeerDown != nil {
		n.OnPeerDown(p)
	}
}

func (n *Node) onPeerReadError(p *Peer, err error) {
	n.log.Debugw("peer disconnected", "peer", p.name, "err", err)
	n.removePeer(p)
	p.Close()
}

// considerDiscovered dials an address learned through a hello or gossip
// message if it isn't already a known peer and isn't us.
func (n *Node) considerDiscovered(advert peerAdvert) {
	if advert.Name == "" || advert.Name == n.name {
		return
	}
	n.mu.RLock()
	_, known := n.peers[advert.Name]
	n.mu.RUnlock()
	if known || len(advert.Addresses) == 0 {
		return
	}
	go func() {
		if err := n.Connect(advert.Addresses[0]); err != nil {
			n.log.Debugw("discovery dial failed", "peer", advert.Name, "addr", advert.Addresses[0], "err", err)
		}
	}()
}

// notifyPeers fans a newly admitted peer out to, and in from, the rest of
// the table: shuffle the existing peer list, tell the new peer about all
// of them first (bounded by 3x the hello timeout so one slow peer can't
// stall the others), then loop the existing peers telling each about the
// new peer with a small sleep between sends so a burst of joins doesn't
// saturate anyone.
func (n *Node) notifyPeers(newPeer *Peer) {
	existing := n.Peers()
	rand.Shuffle(len(existing), func(i, j int) { existing[i], existing[j] = existing[j], existing[i] })

	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		for _, p := range existing {
			if p == newPeer {
				continue
			}
			advert := peerAdvert{Name: p.name, Addresses: p.Addresses(), NodeType: p.NodeType()}
			if err := sendGossip(newPeer, advert); err != nil {
				n.log.Debugw("gossip to new peer failed", "peer", newPeer.name, "about", p.name, "err", err)
				return
			}
		}
	}()
	select {
	case <-fanoutDone:
	case <-time.After(3 * n.opts.HelloTimeout):
		n.log.Debugw("gossip fan-out to new peer timed out", "peer", newPeer.name)
	}

	for _, p := range existing {
		if p == newPeer {
			continue
		}
		advert := peerAdvert{Name: newPeer.name, Addresses: newPeer.Addresses(), NodeType: newPeer.NodeType()}
		_ = sendGossip(p, advert)
		time.Sleep(time.Millisecond)
	}
}

func sendGossip(p *Peer, advert peerAdvert) error {
	payload, err := encodeGob(gossipPayload{Peer: advert})
	if err != nil {
		return err
	}
	return p.send(&envelope{Kind: kindGossip, Payload: payload}, nil)
}

// dispatch routes a non-response frame read off a peer's connection: a
// gossip notification is absorbed into discovery, a request is handed to
// the named service and answered.
func (n *Node) dispatch(p *Peer, env *envelope, buffers [][]byte) {
	switch env.Kind {
	case kindPing:
		// nothing to do; reading the frame already refreshed lastSeen

	case kindGossip:
		var gp gossipPayload
		if err := decodeGob(env.Payload, &gp); err != nil {
			n.log.Debugw("malformed gossip", "from", p.name, "err", err)
			return
		}
		n.considerDiscovered(gp.Peer)

	case kindRequest:
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serve(p, env, buffers)
		}()

	default:
		n.log.Debugw("unexpected frame kind", "kind", env.Kind, "from", p.name)
	}
}

func (n *Node) serve(p *Peer, req *envelope, buffers [][]byte) {
	n.mu.RLock()
	svc, ok := n.services[req.Service]
	n.mu.RUnlock()

	if !ok {
		p.send(&envelope{Kind: kindErrorReply, CorrelationID: req.CorrelationID, ErrMsg: ErrUnknownService.Error()}, nil)
		return
	}

	respPayload, respBuffers, err := svc.Handle(n.ctx, p, req.Method, req.Payload, buffers)
	if err != nil {
		p.send(&envelope{Kind: kindErrorReply, CorrelationID: req.CorrelationID, ErrMsg: err.Error()}, nil)
		return
	}
	p.send(&envelope{Kind: kindResponse, CorrelationID: req.CorrelationID, Payload: respPayload}, respBuffers)
}

// dialSeedLoop repeatedly attempts to connect to a seed address, backing
// off between failures, until it succeeds or the node is closed. Seeds are
// retried forever since they represent the operator's intended entry
// points into the cluster, not transient discoveries.
func (n *Node) dialSeedLoop(addr string) {
	defer n.wg.Done()
	bo := newBackoff(n.opts.SeedBackoffMin, n.opts.SeedBackoffMax)
	for {
		if err := n.Connect(addr); err != nil {
			n.log.Debugw("seed dial failed, backing off", "seed", addr, "err", err)
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(bo.next()):
				continue
			}
		}
		return
	}
}

// watchdogLoop probes peer liveness on the configured cadence: every tick
// it sends each peer a ping (any received frame refreshes the remote's
// last-seen clock) and drops any peer that has stayed silent for
// watchdogMisses consecutive intervals. The consequence of a failed
// liveness check is disconnect only, relying on gossip to rediscover the
// peer later rather than the watchdog itself trying to reconnect; a seed's
// dialSeedLoop has already returned after its first successful dial and
// does not redial it.
func (n *Node) watchdogLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			threshold := time.Duration(n.opts.WatchdogMisses) * n.opts.WatchdogInterval
			for _, p := range n.Peers() {
				if time.Since(p.LastSeen()) > threshold {
					n.log.Infow("peer failed watchdog, disconnecting", "peer", p.name)
					n.removePeer(p)
					p.Close()
					continue
				}
				if err := p.send(&envelope{Kind: kindPing}, nil); err != nil {
					n.log.Debugw("watchdog ping failed", "peer", p.name, "err", err)
				}
			}
		}
	}
}

// sortedNames is a small helper used by tests to get deterministic peer
// name ordering out of Node.Peers.
func sortedNames(peers []*Peer) []string {
	names := make([]string, len(peers))
	for i, p := range peers {
		names[i] = p.name
	}
	sort.Strings(names)
	return names
}
