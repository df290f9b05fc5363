package cluster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// envelopeKind distinguishes the handful of message shapes that cross the
// wire. Everything from handshake to RPC dispatch reuses one
// framed-gob-plus-raw-buffers shape: serialize the small control struct,
// attach any already-serialized payload bytes raw so they are never
// re-encoded.
type envelopeKind string

const (
	kindHello      envelopeKind = "hello"
	kindGossip     envelopeKind = "gossip"
	kindPing       envelopeKind = "ping"
	kindRequest    envelopeKind = "request"
	kindResponse   envelopeKind = "response"
	kindErrorReply envelopeKind = "error"
)

// envelope is the control struct sent ahead of zero or more raw attachment
// buffers. Payload itself is expected to already be serialized by the
// caller (gob-encoded args/results, or raw bytes); it is never re-encoded.
type envelope struct {
	Kind          envelopeKind
	Service       string
	Method        string
	CorrelationID string
	Payload       []byte
	NumBuffers    int
	ErrMsg        string
}

// helloPayload is exchanged immediately after a connection is accepted or
// dialed: the node's identity, its advertised listen addresses, and
// everything it knows about other peers so the remote side can start
// dialing them too.
type helloPayload struct {
	Name       string
	Addresses  []string
	NodeType   string
	KnownPeers []peerAdvert
}

// peerAdvert is a gossip-carried fact: "this name is reachable at these
// addresses". It never carries a live connection.
type peerAdvert struct {
	Name      string
	Addresses []string
	NodeType  string
}

// gossipPayload notifies a peer about one other peer it should consider
// dialing, sent one at a time with a small yield between sends (see
// Node.notifyPeers) rather than as one big burst.
type gossipPayload struct {
	Peer peerAdvert
}

func init() {
	gob.Register(helloPayload{})
	gob.Register(gossipPayload{})
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: gob encoding %T: %v", ErrTransport, v, err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: gob decoding %T: %v", ErrTransport, v, err)
	}
	return nil
}

// writeFrame writes a length-prefixed gob-encoded envelope followed by its
// raw attachment buffers, each itself length-prefixed. This is the only
// thing that touches the wire.
func writeFrame(w io.Writer, env *envelope, buffers [][]byte) error {
	env.NumBuffers = len(buffers)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("%w: encoding envelope: %v", ErrTransport, err)
	}

	bw := bufio.NewWriter(w)
	if err := writeChunk(bw, buf.Bytes()); err != nil {
		return err
	}
	for _, b := range buffers {
		if err := writeChunk(bw, b); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: flushing frame: %v", ErrTransport, err)
	}
	return nil
}

func writeChunk(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: writing chunk length: %v", ErrTransport, err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: writing chunk body: %v", ErrTransport, err)
	}
	return nil
}

func readChunk(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading chunk length: %v", ErrTransport, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return []byte{}, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: reading chunk body: %v", ErrTransport, err)
	}
	return data, nil
}

// readFrame reads one envelope and its attachment buffers from r. r should
// be a *bufio.Reader shared across calls for a given connection so partial
// reads are buffered correctly.
func readFrame(r *bufio.Reader) (*envelope, [][]byte, error) {
	head, err := readChunk(r)
	if err != nil {
		return nil, nil, err
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(head)).Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding envelope: %v", ErrTransport, err)
	}
	buffers := make([][]byte, 0, env.NumBuffers)
	for i := 0; i < env.NumBuffers; i++ {
		b, err := readChunk(r)
		if err != nil {
			return nil, nil, err
		}
		buffers = append(buffers, b)
	}
	return &env, buffers, nil
}
