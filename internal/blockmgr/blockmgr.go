// Package blockmgr implements content-addressed block exchange: a node
// serves named, chunked byte data as a set of blocks, and any other node
// can fetch the set, pulling individual blocks from whichever peers
// currently advertise them (preferring same-host peers), falling back to
// the seeder when no one else has a given block yet. Transport is
// internal/cluster's envelope+attachment RPC; the manager registers as the
// "blocks" service on its node.
package blockmgr

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/empower1/fabric/internal/cluster"
)

// BlockSpec names a set of blocks held by a seeder: enough to go fetch
// them, but not the blocks themselves. Handed out by ServeData/ServeBlocks
// and passed to GetBlocks by whatever broadcast or shuffle mechanism needs
// the data moved -- this package doesn't transmit BlockSpec itself.
type BlockSpec struct {
	Seeder    string
	Name      string
	NumBlocks int
}

type getBlockRequest struct {
	Name string
	Idx  int
}

type getBlocksAvailableRequest struct {
	Name string
}

type getBlocksAvailableResponse struct {
	Indices []int
}

type removeBlocksRequest struct {
	Name string
}

// availGate lets concurrent GetBlocks callers for the same name coalesce
// onto a single in-flight download: the first caller downloads and closes
// ready; everyone else just waits on it. A failed download parks its error
// on the gate so waiters fail too instead of reading a partial entry.
type availGate struct {
	ready chan struct{}
	err   error
}

func newAvailGate() *availGate { return &availGate{ready: make(chan struct{})} }

func (g *availGate) set(err error) {
	g.err = err
	close(g.ready)
}

func (g *availGate) wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager is the "blocks" cluster.Service. One Manager lives per Node.
type Manager struct {
	node *cluster.Node
	log  *zap.SugaredLogger

	availabilityTimeout time.Duration

	mu     sync.Mutex
	blocks map[string][][]byte // name -> blocks, nil entries not yet downloaded

	gateMu sync.Mutex
	gates  map[string]*availGate
}

// New returns a Manager that serves and fetches blocks over node, querying
// peer block availability with the given timeout.
func New(node *cluster.Node, availabilityTimeout time.Duration, log *zap.SugaredLogger) *Manager {
	if availabilityTimeout <= 0 {
		availabilityTimeout = time.Second
	}
	m := &Manager{
		node:                node,
		log:                 log,
		availabilityTimeout: availabilityTimeout,
		blocks:              make(map[string][][]byte),
		gates:               make(map[string]*availGate),
	}
	node.RegisterService(m)
	return m
}

// Name implements cluster.Service.
func (m *Manager) Name() string { return "blocks" }

// ServeData splits data into blocks of at most blockSize bytes and serves
// them under name. The chunking keeps all blocks nearly equal in size
// rather than leaving a small remainder block: with parts = (len-1)/size
// whole cuts, the step size is ceil(len/(parts+1)) and the final block
// absorbs whatever is left over.
func (m *Manager) ServeData(name string, data []byte, blockSize int) (BlockSpec, error) {
	if blockSize <= 0 {
		return BlockSpec{}, fmt.Errorf("blockmgr: block size must be positive")
	}
	length := len(data)
	var blocks [][]byte
	if length > blockSize {
		parts := (length - 1) / blockSize
		step := int(math.Ceil(float64(length) / float64(parts+1)))
		offset := 0
		for i := 0; i < parts; i++ {
			blocks = append(blocks, data[offset:offset+step])
			offset += step
		}
		blocks = append(blocks, data[offset:])
	} else {
		blocks = [][]byte{data}
	}
	return m.ServeBlocks(name, blocks), nil
}

// ServeBlocks serves an already-chunked set of blocks under name,
// immediately marking it available -- this node is the seeder.
func (m *Manager) ServeBlocks(name string, blocks [][]byte) BlockSpec {
	spec := BlockSpec{Seeder: m.node.Name(), Name: name, NumBlocks: len(blocks)}

	m.mu.Lock()
	m.blocks[name] = blocks
	m.mu.Unlock()

	gate := newAvailGate()
	gate.set(nil)
	m.gateMu.Lock()
	m.gates[name] = gate
	m.gateMu.Unlock()

	return spec
}

// RemoveBlocks stops serving name. If fromPeers is true, every currently
// connected peer is also asked to forget it; those requests are
// fire-and-forget and their responses are never awaited.
func (m *Manager) RemoveBlocks(name string, fromPeers bool) {
	m.removeLocal(name)
	if !fromPeers {
		return
	}
	payload, err := encode(removeBlocksRequest{Name: name})
	if err != nil {
		return
	}
	for _, p := range m.node.Peers() {
		go func(p *cluster.Peer) {
			ctx, cancel := context.WithTimeout(context.Background(), m.availabilityTimeout)
			defer cancel()
			if _, _, err := p.Call(ctx, "blocks", "remove_blocks", payload); err != nil {
				m.log.Debugw("remove_blocks fire-and-forget failed", "peer", p.Name(), "name", name, "err", err)
			}
		}(p)
	}
}

func (m *Manager) removeLocal(name string) {
	m.mu.Lock()
	delete(m.blocks, name)
	m.mu.Unlock()
	m.gateMu.Lock()
	delete(m.gates, name)
	m.gateMu.Unlock()
}

// GetBlocks returns the blocks named by spec, downloading them if this node
// isn't already the seeder and hasn't fetched them before. Concurrent
// callers for the same name coalesce onto one download.
func (m *Manager) GetBlocks(ctx context.Context, spec BlockSpec) ([][]byte, error) {
	m.gateMu.Lock()
	gate, inProgress := m.gates[spec.Name]
	if !inProgress {
		gate = newAvailGate()
		m.gates[spec.Name] = gate
	}
	m.gateMu.Unlock()

	if inProgress {
		if err := gate.wait(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := m.download(ctx, spec); err != nil {
			// drop the partial entry and the gate so a later caller
			// restarts the download from scratch
			m.removeLocal(spec.Name)
			gate.set(err)
			return nil, err
		}
		gate.set(nil)
	}

	m.mu.Lock()
	blocks := m.blocks[spec.Name]
	m.mu.Unlock()
	return blocks, nil
}

// Handle implements cluster.Service.
func (m *Manager) Handle(ctx context.Context, from *cluster.Peer, method string, payload []byte, buffers [][]byte) ([]byte, [][]byte, error) {
	switch method {
	case "get_block":
		var req getBlockRequest
		if err := decode(payload, &req); err != nil {
			return nil, nil, err
		}
		var block []byte
		m.mu.Lock()
		blocks := m.blocks[req.Name]
		if req.Idx >= 0 && req.Idx < len(blocks) {
			block = blocks[req.Idx]
		}
		m.mu.Unlock()
		if block == nil {
			return nil, nil, fmt.Errorf("blockmgr: block %d of %q not available", req.Idx, req.Name)
		}
		return nil, [][]byte{block}, nil

	case "get_blocks_available":
		var req getBlocksAvailableRequest
		if err := decode(payload, &req); err != nil {
			return nil, nil, err
		}
		m.mu.Lock()
		blocks := m.blocks[req.Name]
		indices := make([]int, 0, len(blocks))
		for i, b := range blocks {
			if b != nil {
				indices = append(indices, i)
			}
		}
		m.mu.Unlock()
		resp, err := encode(getBlocksAvailableResponse{Indices: indices})
		return resp, nil, err

	case "remove_blocks":
		var req removeBlocksRequest
		if err := decode(payload, &req); err != nil {
			return nil, nil, err
		}
		m.removeLocal(req.Name)
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("blockmgr: unknown method %q", method)
	}
}

// candidate pairs a block index with the peers known to hold it.
type candidate struct {
	idx   int
	peers []*cluster.Peer
}

// nextDownload picks the next block to fetch and who to fetch it from. It
// asks every connected worker peer which indices of spec.Name they have,
// under availabilityTimeout, then chooses the still-missing index with the
// most advertisers (ties go to the index advertised first), so rare blocks spread
// before common ones. If nobody advertises any missing block -- typically
// right at the start of a download -- it picks a random missing index and
// falls back to the seeder.
func (m *Manager) nextDownload(ctx context.Context, spec BlockSpec, blocks [][]byte) candidate {
	type probe struct {
		peer    *cluster.Peer
		indices []int
		err     error
	}

	workers := m.node.PeersByType("worker")
	results := make(chan probe, len(workers))

	probeCtx, cancel := context.WithTimeout(ctx, m.availabilityTimeout)
	defer cancel()

	for _, p := range workers {
		go func(p *cluster.Peer) {
			payload, err := encode(getBlocksAvailableRequest{Name: spec.Name})
			if err != nil {
				results <- probe{peer: p, err: err}
				return
			}
			respPayload, _, err := p.Call(probeCtx, "blocks", "get_blocks_available", payload)
			if err != nil {
				results <- probe{peer: p, err: err}
				return
			}
			var resp getBlocksAvailableResponse
			if err := decode(respPayload, &resp); err != nil {
				results <- probe{peer: p, err: err}
				return
			}
			results <- probe{peer: p, indices: resp.Indices}
		}(p)
	}

	availability := make(map[int][]*cluster.Peer)
	var order []int // missing indices in the order first advertised
	for i := 0; i < len(workers); i++ {
		select {
		case r := <-results:
			if r.err != nil {
				m.log.Debugw("unable to get block availability", "peer", r.peer.Name(), "err", r.err)
				continue
			}
			for _, idx := range r.indices {
				if blocks[idx] == nil {
					if _, seen := availability[idx]; !seen {
						order = append(order, idx)
					}
					availability[idx] = append(availability[idx], r.peer)
				}
			}
		case <-probeCtx.Done():
			i = len(workers) // stop waiting, treat remaining probes as timed out
		}
	}

	if len(order) > 0 {
		bestIdx := order[0]
		for _, idx := range order[1:] {
			if len(availability[idx]) > len(availability[bestIdx]) {
				bestIdx = idx
			}
		}
		return candidate{idx: bestIdx, peers: availability[bestIdx]}
	}

	var remaining []int
	for i, b := range blocks {
		if b == nil {
			remaining = append(remaining, i)
		}
	}
	idx := remaining[rand.Intn(len(remaining))]
	seeder, _ := m.node.Peer(spec.Seeder)
	var seederPeers []*cluster.Peer
	if seeder != nil {
		seederPeers = []*cluster.Peer{seeder}
	}
	return candidate{idx: idx, peers: seederPeers}
}

// download fetches every block of spec, one index at a time, preferring
// peers that share an IP with this node over remote ones, and falling back
// to the seeder if every candidate fails.
func (m *Manager) download(ctx context.Context, spec BlockSpec) error {
	blocks := make([][]byte, spec.NumBlocks)
	m.mu.Lock()
	m.blocks[spec.Name] = blocks
	m.mu.Unlock()

	localIPs := m.node.LocalIPs()

	for remaining := spec.NumBlocks; remaining > 0; remaining-- {
		cand := m.nextDownload(ctx, spec, blocks)

		var local, remote []*cluster.Peer
		for _, p := range cand.peers {
			if p.SharesIPWith(localIPs) {
				local = append(local, p)
			} else {
				remote = append(remote, p)
			}
		}

		downloaded := false
		for len(local) > 0 || len(remote) > 0 {
			pool := &local
			if len(*pool) == 0 {
				pool = &remote
			}
			j := rand.Intn(len(*pool))
			source := (*pool)[j]
			*pool = append((*pool)[:j], (*pool)[j+1:]...)

			data, err := m.fetchBlock(ctx, source, spec.Name, cand.idx)
			if err != nil {
				m.log.Debugw("block fetch failed, trying another candidate", "peer", source.Name(), "name", spec.Name, "idx", cand.idx, "err", err)
				continue
			}
			m.setBlock(blocks, cand.idx, data)
			downloaded = true
			break
		}

		if !downloaded {
			seeder, ok := m.node.Peer(spec.Seeder)
			if !ok {
				return fmt.Errorf("blockmgr: seeder %q for %q not connected", spec.Seeder, spec.Name)
			}
			data, err := m.fetchBlock(ctx, seeder, spec.Name, cand.idx)
			if err != nil {
				return fmt.Errorf("blockmgr: downloading block %d of %q from seeder: %w", cand.idx, spec.Name, err)
			}
			m.setBlock(blocks, cand.idx, data)
		}
	}
	return nil
}

// setBlock records a downloaded block into its slot under the cache mutex,
// since peers may concurrently read partial availability via Handle.
func (m *Manager) setBlock(blocks [][]byte, idx int, data []byte) {
	m.mu.Lock()
	blocks[idx] = data
	m.mu.Unlock()
}

func (m *Manager) fetchBlock(ctx context.Context, p *cluster.Peer, name string, idx int) ([]byte, error) {
	payload, err := encode(getBlockRequest{Name: name, Idx: idx})
	if err != nil {
		return nil, err
	}
	_, buffers, err := p.Call(ctx, "blocks", "get_block", payload)
	if err != nil {
		return nil, err
	}
	if len(buffers) != 1 {
		return nil, fmt.Errorf("blockmgr: malformed get_block response from %s", p.Name())
	}
	return buffers[0], nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("blockmgr: encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("blockmgr: decoding %T: %w", v, err)
	}
	return nil
}
