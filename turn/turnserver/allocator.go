package turnserver

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relaygo/turnd/turn"
)

// ErrAllocationMismatch is RFC 5766 Section 5's 437 (Allocation
// Mismatch): the 5-tuple either already has an allocation (on ALLOCATE)
// or has none (on REFRESH/CREATE-PERMISSION/CHANNEL-BIND).
var ErrAllocationMismatch = allocationMismatchErr{}

type allocationMismatchErr struct{}

func (allocationMismatchErr) Error() string { return "turnserver: allocation mismatch" }

// Allocator owns every active allocation, keyed by its 5-tuple. A single
// table lock guards all of them: each mutation holds it for its whole
// duration (allocations are cheap to find and mutate; contention is the
// exception, not the rule, in a relay server).
type Allocator struct {
	log   *zap.Logger
	relay RelayAllocator

	mu     sync.Mutex
	byKey  map[string]*allocation

	allocGauge      prometheus.Gauge
	permissionGauge prometheus.Gauge
	bindingGauge    prometheus.Gauge
}

// NewAllocator builds an Allocator that hands out relay sockets via
// relay and logs through log.
func NewAllocator(log *zap.Logger, relay RelayAllocator, labels prometheus.Labels) *Allocator {
	return &Allocator{
		log:             log,
		relay:           relay,
		byKey:           make(map[string]*allocation),
		allocGauge:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "turnd_allocation_count", Help: "Active allocations.", ConstLabels: labels}),
		permissionGauge: prometheus.NewGauge(prometheus.GaugeOpts{Name: "turnd_permission_count", Help: "Active permissions.", ConstLabels: labels}),
		bindingGauge:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "turnd_channel_binding_count", Help: "Active channel bindings.", ConstLabels: labels}),
	}
}

// Describe implements prometheus.Collector.
func (a *Allocator) Describe(c chan<- *prometheus.Desc) {
	c <- a.allocGauge.Desc()
	c <- a.permissionGauge.Desc()
	c <- a.bindingGauge.Desc()
}

// Collect implements prometheus.Collector.
func (a *Allocator) Collect(c chan<- prometheus.Metric) {
	stats := a.Stats()
	a.allocGauge.Set(float64(stats.Allocations))
	a.permissionGauge.Set(float64(stats.Permissions))
	a.bindingGauge.Set(float64(stats.Bindings))
	c <- a.allocGauge
	c <- a.permissionGauge
	c <- a.bindingGauge
}

// Stats is a snapshot of the allocator's current size.
type Stats struct {
	Allocations int
	Permissions int
	Bindings    int
}

// Stats returns a snapshot of the allocator's current size.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{Allocations: len(a.byKey)}
	for _, alloc := range a.byKey {
		s.Permissions += len(alloc.permissions)
		s.Bindings += len(alloc.channels)
	}
	return s
}

// Exists reports whether tuple already has an allocation, so a handler
// can check for 437 AllocationMismatch before validating the rest of an
// ALLOCATE request (RFC 5766 Section 6.2 Step 2).
func (a *Allocator) Exists(tuple turn.FiveTuple) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byKey[tuple.Key()]
	return ok
}

// New creates the allocation for tuple, handing data arriving on its
// relay socket to callback, and returns the relayed transport address.
func (a *Allocator) New(tuple turn.FiveTuple, timeout time.Time, callback PeerHandler) (turn.Addr, error) {
	key := tuple.Key()
	a.mu.Lock()
	if _, exists := a.byKey[key]; exists {
		a.mu.Unlock()
		return turn.Addr{}, ErrAllocationMismatch
	}
	a.mu.Unlock()

	relayedAddr, conn, err := a.relay.New(tuple.Proto)
	if err != nil {
		return turn.Addr{}, err
	}

	alloc := newAllocation(tuple, timeout, a.log.Named("allocation").With(zap.Stringer("tuple", tuple)))
	alloc.relayedAddr = relayedAddr
	alloc.conn = conn
	alloc.callback = callback

	a.mu.Lock()
	if _, exists := a.byKey[key]; exists {
		a.mu.Unlock()
		conn.Close()
		return turn.Addr{}, ErrAllocationMismatch
	}
	a.byKey[key] = alloc
	a.mu.Unlock()

	go alloc.readUntilClosed()
	return relayedAddr, nil
}

// Refresh sets tuple's allocation timeout. It does not tear the
// allocation down itself: a timeout already in the past takes effect at
// the next Prune, and a LIFETIME=0 refresh request is handled by Remove.
func (a *Allocator) Refresh(tuple turn.FiveTuple, timeout time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byKey[tuple.Key()]
	if !ok {
		return ErrAllocationMismatch
	}
	alloc.timeout = timeout
	return nil
}

// Remove tears down tuple's allocation immediately (a REFRESH with
// LIFETIME=0). Expired allocations are removed by Prune instead.
func (a *Allocator) Remove(tuple turn.FiveTuple) error {
	a.mu.Lock()
	alloc, ok := a.byKey[tuple.Key()]
	if ok {
		delete(a.byKey, tuple.Key())
	}
	a.mu.Unlock()
	if !ok {
		return ErrAllocationMismatch
	}
	return alloc.conn.Close()
}

// CreatePermission installs or refreshes a permission for peer's IP on
// tuple's allocation (RFC 5766 Section 9.1).
func (a *Allocator) CreatePermission(tuple turn.FiveTuple, peer turn.Addr, timeout time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byKey[tuple.Key()]
	if !ok {
		return ErrAllocationMismatch
	}
	alloc.createPermission(peer, timeout)
	return nil
}

// ChannelBind creates or refreshes a channel binding on tuple's
// allocation (RFC 5766 Section 11), implicitly creating the permission
// for peer's IP if it did not already exist.
func (a *Allocator) ChannelBind(tuple turn.FiveTuple, number turn.ChannelNumber, peer turn.Addr, timeout time.Time) error {
	if !number.Valid() {
		return turn.WrapKind("ChannelBind", turn.KindInvalidInput, turn.ErrInvalidChannelNumber)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byKey[tuple.Key()]
	if !ok {
		return ErrAllocationMismatch
	}
	return alloc.channelBind(number, peer, timeout)
}

// Bound returns the channel number bound to peer on tuple's allocation,
// if any.
func (a *Allocator) Bound(tuple turn.FiveTuple, peer turn.Addr) (turn.ChannelNumber, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byKey[tuple.Key()]
	if !ok {
		return 0, false
	}
	return alloc.boundChannel(peer)
}

// HasPermission reports whether tuple's allocation has a permission for
// peer's IP.
func (a *Allocator) HasPermission(tuple turn.FiveTuple, peer turn.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byKey[tuple.Key()]
	return ok && alloc.hasPermission(peer)
}

// Send writes data to peer through tuple's allocation's relay socket,
// the path used for SEND indications once the handler has checked the
// permission for peer's IP. Send itself does not check permissions.
func (a *Allocator) Send(tuple turn.FiveTuple, peer turn.Addr, data []byte) error {
	a.mu.Lock()
	alloc, ok := a.byKey[tuple.Key()]
	a.mu.Unlock()
	if !ok {
		return ErrAllocationMismatch
	}
	_, err := alloc.conn.WriteTo(data, peer.UDPAddr())
	return err
}

// SendBound writes data to the peer bound to channel number on tuple's
// allocation.
func (a *Allocator) SendBound(tuple turn.FiveTuple, number turn.ChannelNumber, data []byte) error {
	a.mu.Lock()
	alloc, ok := a.byKey[tuple.Key()]
	var peer turn.Addr
	var found bool
	if ok {
		peer, found = alloc.peerForChannel(number)
	}
	a.mu.Unlock()
	if !ok || !found {
		return ErrAllocationMismatch
	}
	_, err := alloc.conn.WriteTo(data, peer.UDPAddr())
	return err
}

// Prune removes allocations (and, within surviving allocations,
// permissions/bindings) whose timeout has passed as of now.
func (a *Allocator) Prune(now time.Time) {
	a.mu.Lock()
	var toClose []*allocation
	for key, alloc := range a.byKey {
		alloc.prune(now)
		if alloc.expired(now) {
			toClose = append(toClose, alloc)
			delete(a.byKey, key)
		}
	}
	a.mu.Unlock()
	for _, alloc := range toClose {
		if err := alloc.conn.Close(); err != nil {
			a.log.Warn("failed to close expired allocation", zap.Error(err))
		}
	}
}
