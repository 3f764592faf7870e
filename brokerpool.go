package kafka

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// brokerLock is a one-holder-at-a-time lock that supports a bounded wait,
// used to serialize connection attempts to a single nodeId without
// blocking waiters indefinitely (spec.md §5: "per-broker connection lock").
type brokerLock chan struct{}

func newBrokerLock() brokerLock {
	l := make(brokerLock, 1)
	l <- struct{}{}
	return l
}

func (l brokerLock) lock(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-l:
		return nil
	case <-timer:
		return errLockTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l brokerLock) unlock() { l <- struct{}{} }

var errLockTimedOut = errors.New("connect lock wait timed out")

// refreshKey is the constant singleflight key every RefreshMetadata call
// coalesces on: this BrokerPool has exactly one metadata refresh to share,
// not one per topic set, so a single key is correct.
const refreshKey = "metadata"

// BrokerPool owns every live Broker, the cached MetadataSnapshot, and the
// single-flight metadata refresh. It is the only component that ever opens
// or closes a connection.
type BrokerPool struct {
	builder *ConnectionBuilder
	logger  Logger

	metadataMaxAge        time.Duration
	authenticationTimeout time.Duration

	mu         sync.Mutex
	seedBroker Broker
	brokers    map[int]Broker
	snapshot   *MetadataSnapshot
	rr         RoundRobin

	refresh singleflight.Group

	locksMu sync.Mutex
	locks   map[int]brokerLock
}

// NewBrokerPool builds an empty BrokerPool bound to builder. No broker is
// connected and no snapshot exists until Connect or RefreshMetadata runs.
func NewBrokerPool(builder *ConnectionBuilder, metadataMaxAge, authenticationTimeout time.Duration, logger Logger) *BrokerPool {
	return &BrokerPool{
		builder:               builder,
		logger:                logger,
		metadataMaxAge:        metadataMaxAge,
		authenticationTimeout: authenticationTimeout,
		brokers:               make(map[int]Broker),
		locks:                 make(map[int]brokerLock),
	}
}

func (p *BrokerPool) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// Connect materializes the seed broker if no broker is currently connected.
// Once a metadata refresh succeeds, the seed broker may end up replaced by
// one drawn from the snapshot — the seed is only a bootstrapping device
// (spec.md §4.4).
func (p *BrokerPool) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.hasConnectedBrokersLocked() {
		p.mu.Unlock()
		return nil
	}
	if p.seedBroker == nil {
		p.seedBroker = p.builder.BuildSeedBroker()
	}
	broker := p.seedBroker
	p.mu.Unlock()

	if broker == nil {
		return &BrokerNotConnectedError{}
	}
	return broker.Connect(ctx)
}

// Disconnect tears down every live broker — seed included — and drops the
// snapshot and the nodeId map. Every disconnect is attempted even if an
// earlier one fails; the errors are merged with errorList.
func (p *BrokerPool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.seedBroker != nil {
		err = appendError(err, p.seedBroker.Disconnect())
		p.seedBroker = nil
	}
	for id, b := range p.brokers {
		err = appendError(err, b.Disconnect())
		delete(p.brokers, id)
	}
	p.snapshot = nil
	return err
}

// HasConnectedBrokers reports whether any broker — seed or otherwise — is
// currently connected.
func (p *BrokerPool) HasConnectedBrokers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasConnectedBrokersLocked()
}

func (p *BrokerPool) hasConnectedBrokersLocked() bool {
	if p.seedBroker != nil && p.seedBroker.IsConnected() {
		return true
	}
	for _, b := range p.brokers {
		if b.IsConnected() {
			return true
		}
	}
	return false
}

// Snapshot returns the currently installed MetadataSnapshot, or nil if none
// has ever been installed. Callers should capture the pointer once per
// operation rather than re-reading it, since a concurrent refresh replaces
// the pointer rather than mutating the snapshot in place.
func (p *BrokerPool) Snapshot() *MetadataSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// anyConnectedBroker returns any connected broker, rotating among the
// connected nodeIds the way the teacher's balancer.go RoundRobin spreads
// partition selection. The seed broker (nodeId -1) is preferred when it is
// the only one connected; once real brokers are connected the rotation runs
// over their nodeIds only.
func (p *BrokerPool) anyConnectedBroker() (int, Broker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []int
	for id, b := range p.brokers {
		if b.IsConnected() {
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		if p.seedBroker != nil && p.seedBroker.IsConnected() {
			return -1, p.seedBroker, nil
		}
		return 0, nil, &BrokerNotConnectedError{}
	}

	sort.Ints(ids)
	chosen := p.rr.Balance(nil, ids...)
	return chosen, p.brokers[chosen], nil
}

// WithBroker picks any connected broker and invokes fn with its nodeId
// (-1 for the seed broker). It fails with *BrokerNotConnectedError if no
// broker is connected.
func WithBroker[T any](p *BrokerPool, fn func(nodeID int, broker Broker) (T, error)) (T, error) {
	nodeID, broker, err := p.anyConnectedBroker()
	if err != nil {
		var zero T
		return zero, err
	}
	return fn(nodeID, broker)
}

// FindBroker returns the Broker for nodeId, connecting it lazily from the
// current snapshot if it is not already connected. Concurrent callers
// asking for the same nodeId serialize on a per-nodeId lock so only one
// socket is ever opened; a waiter blocked longer than
// AuthenticationTimeout gives up with *LockTimeoutError.
func (p *BrokerPool) FindBroker(ctx context.Context, nodeID int) (Broker, error) {
	if b, ok := p.connectedBroker(nodeID); ok {
		return b, nil
	}

	p.mu.Lock()
	snap := p.snapshot
	p.mu.Unlock()

	info, ok := snap.broker(nodeID)
	if !ok {
		return nil, &BrokerNotFoundError{NodeID: nodeID}
	}

	lock := p.connectLock(nodeID)
	if err := lock.lock(ctx, p.authenticationTimeout); err != nil {
		if err == errLockTimedOut {
			return nil, &LockTimeoutError{NodeID: nodeID}
		}
		return nil, err
	}
	defer lock.unlock()

	// Another waiter may have connected nodeID while we were blocked on the
	// lock; re-check before opening a second socket.
	if b, ok := p.connectedBroker(nodeID); ok {
		return b, nil
	}

	broker := p.builder.BuildBroker(info)
	if err := broker.Connect(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.brokers[nodeID] = broker
	p.mu.Unlock()

	return broker, nil
}

func (p *BrokerPool) connectedBroker(nodeID int) (Broker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.brokers[nodeID]
	if !ok || !b.IsConnected() {
		return nil, false
	}
	return b, true
}

func (p *BrokerPool) connectLock(nodeID int) brokerLock {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[nodeID]
	if !ok {
		l = newBrokerLock()
		p.locks[nodeID] = l
	}
	return l
}

// RefreshMetadata fetches metadata for topics using any connected broker
// and installs it as the new snapshot, reconciling the broker map:
// brokers whose nodeId is no longer present are disconnected and dropped;
// new nodeIds are not eagerly connected. Concurrent callers share one
// in-flight fetch — all of them observe the snapshot the single winner
// installed (spec.md §5: "single-flight refresh").
func (p *BrokerPool) RefreshMetadata(ctx context.Context, topics []string) (*MetadataSnapshot, error) {
	v, err, _ := p.refresh.Do(refreshKey, func() (any, error) {
		return p.doRefresh(ctx, topics)
	})
	if err != nil {
		return nil, err
	}
	return v.(*MetadataSnapshot), nil
}

func (p *BrokerPool) doRefresh(ctx context.Context, topics []string) (*MetadataSnapshot, error) {
	_, broker, err := p.anyConnectedBroker()
	if err != nil {
		return nil, err
	}

	snap, err := broker.Metadata(ctx, topics)
	if err != nil {
		p.mu.Lock()
		seed := p.seedBroker
		p.mu.Unlock()

		if seed != nil && seed != broker {
			p.logf("metadata refresh via chosen broker failed (%v), retrying against seed broker", err)
			snap, err = seed.Metadata(ctx, topics)
		}
	}
	if err != nil {
		return nil, err
	}

	p.install(snap)
	return snap, nil
}

func (p *BrokerPool) install(snap *MetadataSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshot = snap

	keep := make(map[int]bool, len(snap.Brokers))
	for _, b := range snap.Brokers {
		keep[b.NodeID] = true
	}
	for id, b := range p.brokers {
		if !keep[id] {
			if err := b.Disconnect(); err != nil {
				p.logf("error disconnecting broker %d dropped from metadata: %v", id, err)
			}
			delete(p.brokers, id)
		}
	}
}

// RefreshMetadataIfNecessary refreshes when the snapshot is absent, older
// than metadataMaxAge, or missing any of the requested topics; otherwise it
// returns the current snapshot unchanged.
func (p *BrokerPool) RefreshMetadataIfNecessary(ctx context.Context, topics []string) (*MetadataSnapshot, error) {
	p.mu.Lock()
	snap := p.snapshot
	maxAge := p.metadataMaxAge
	p.mu.Unlock()

	if snap == nil {
		return p.RefreshMetadata(ctx, topics)
	}

	if maxAge > 0 && time.Since(timestampToTime(snap.FetchedAt)) > maxAge {
		return p.RefreshMetadata(ctx, topics)
	}

	for _, t := range topics {
		if _, ok := snap.topic(t); !ok {
			return p.RefreshMetadata(ctx, topics)
		}
	}

	return snap, nil
}
