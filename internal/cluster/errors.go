package cluster

import "errors"

// Error taxonomy for the peer/membership layer.
var (
	// ErrConfiguration signals a malformed address, listener spec, or seed
	// entry supplied at construction time.
	ErrConfiguration = errors.New("cluster: configuration error")

	// ErrTransport wraps failures talking to a peer over its connection:
	// dial failures, framing errors, mid-stream disconnects.
	ErrTransport = errors.New("cluster: transport error")

	// ErrHandshakeFailed means a HELLO exchange did not complete in time,
	// was malformed or missing a name, or named this node itself.
	ErrHandshakeFailed = errors.New("cluster: handshake failed")

	// ErrPeerNotFound names a peer that is not (or no longer) in the node's
	// peer table. Nothing in this package returns it; Node.Peer reports that
	// case with a false second result.
	ErrPeerNotFound = errors.New("cluster: peer not found")

	// ErrNodeClosed names an operation attempted after Node.Close. Nothing
	// in this package returns it; calls on peers closed by Node.Close fail
	// with ErrTransport.
	ErrNodeClosed = errors.New("cluster: node is closed")

	// ErrUnknownService is returned when a request envelope names a
	// service that was never registered.
	ErrUnknownService = errors.New("cluster: unknown service")
)
