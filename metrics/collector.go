// Package metrics provides per-instance counters for dispatch, mounting,
// handshake, and backend lifecycle.
//
// The Collector is a leaf package with no internal dependencies. All methods
// are nil-receiver safe so components can run without metrics wired.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all metrics.
type Snapshot struct {
	// Dispatch
	Sends            int64
	SettledOK        int64
	SettledFailed    int64
	TransportFailure int64
	DuplicateSettle  int64
	InboundRequests  int64
	IPCDecodeErrors  int64

	// Mounting
	MountsByKind  map[string]int64
	MountFailures int64

	// Handshake
	HandshakeAccepted int64
	HandshakeRejected int64
	HandshakeTimeouts int64

	// Backend lifecycle
	LaunchSuccess int64
	LaunchFailure int64
	BackendExits  int64

	// Dimensions (informational, set at construction)
	InstanceID string
	Mode       string
}

// Collector accumulates metrics for one host instance.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sends            int64
	settledOK        int64
	settledFailed    int64
	transportFailure int64
	duplicateSettle  int64
	inboundRequests  int64
	ipcDecodeErrors  int64

	mountsByKind  map[string]int64
	mountFailures int64

	handshakeAccepted int64
	handshakeRejected int64
	handshakeTimeouts int64

	launchSuccess int64
	launchFailure int64
	backendExits  int64

	instanceID string
	mode       string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(instanceID, mode string) *Collector {
	return &Collector{
		mountsByKind: make(map[string]int64),
		instanceID:   instanceID,
		mode:         mode,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Dispatch ---

// IncSend records an outgoing envelope.
func (c *Collector) IncSend() {
	if c == nil {
		return
	}
	c.inc(&c.sends)
}

// IncSettled records a continuation settling.
func (c *Collector) IncSettled(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.inc(&c.settledOK)
	} else {
		c.inc(&c.settledFailed)
	}
}

// IncTransportFailure records a delivery failure reported by a transport.
func (c *Collector) IncTransportFailure() {
	if c == nil {
		return
	}
	c.inc(&c.transportFailure)
}

// IncDuplicateSettle records an attempt to settle an already settled
// continuation. Any non-zero value indicates a transport bug.
func (c *Collector) IncDuplicateSettle() {
	if c == nil {
		return
	}
	c.inc(&c.duplicateSettle)
}

// IncInboundRequest records an envelope originated by the far side.
func (c *Collector) IncInboundRequest() {
	if c == nil {
		return
	}
	c.inc(&c.inboundRequests)
}

// IncIPCDecodeErrors records a frame that could not be decoded.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.inc(&c.ipcDecodeErrors)
}

// --- Mounting ---

// IncMount records a successful mount of the given content kind.
func (c *Collector) IncMount(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.mountsByKind[kind]++
	c.mu.Unlock()
}

// IncMountFailure records a failed mount.
func (c *Collector) IncMountFailure() {
	if c == nil {
		return
	}
	c.inc(&c.mountFailures)
}

// --- Handshake ---

// IncHandshakeAccepted records an accepted registration.
func (c *Collector) IncHandshakeAccepted() {
	if c == nil {
		return
	}
	c.inc(&c.handshakeAccepted)
}

// IncHandshakeRejected records a registration with a bad token.
func (c *Collector) IncHandshakeRejected() {
	if c == nil {
		return
	}
	c.inc(&c.handshakeRejected)
}

// IncHandshakeTimeout records a handshake that hit its deadline.
func (c *Collector) IncHandshakeTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.handshakeTimeouts)
}

// --- Backend lifecycle ---

// IncLaunchSuccess records a successful backend launch.
func (c *Collector) IncLaunchSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.launchSuccess)
}

// IncLaunchFailure records a failed backend launch.
func (c *Collector) IncLaunchFailure() {
	if c == nil {
		return
	}
	c.inc(&c.launchFailure)
}

// IncBackendExit records an observed backend exit.
func (c *Collector) IncBackendExit() {
	if c == nil {
		return
	}
	c.inc(&c.backendExits)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.mountsByKind))
	for k, v := range c.mountsByKind {
		byKind[k] = v
	}

	return Snapshot{
		Sends:            c.sends,
		SettledOK:        c.settledOK,
		SettledFailed:    c.settledFailed,
		TransportFailure: c.transportFailure,
		DuplicateSettle:  c.duplicateSettle,
		InboundRequests:  c.inboundRequests,
		IPCDecodeErrors:  c.ipcDecodeErrors,

		MountsByKind:  byKind,
		MountFailures: c.mountFailures,

		HandshakeAccepted: c.handshakeAccepted,
		HandshakeRejected: c.handshakeRejected,
		HandshakeTimeouts: c.handshakeTimeouts,

		LaunchSuccess: c.launchSuccess,
		LaunchFailure: c.launchFailure,
		BackendExits:  c.backendExits,

		InstanceID: c.instanceID,
		Mode:       c.mode,
	}
}
