package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testBroker is a fully in-memory Broker used to exercise BrokerPool without
// a socket. metadataCalls counts Metadata invocations for the single-flight
// assertions.
type testBroker struct {
	nodeID int

	mu        sync.Mutex
	connected bool

	metadataCalls  *int32
	metadataFn     func() (*MetadataSnapshot, error)
	connectDelay   time.Duration
	connectErr     error
}

func (b *testBroker) Connect(ctx context.Context) error {
	if b.connectDelay > 0 {
		select {
		case <-time.After(b.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.connectErr != nil {
		return b.connectErr
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *testBroker) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *testBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *testBroker) Metadata(ctx context.Context, topics []string) (*MetadataSnapshot, error) {
	if b.metadataCalls != nil {
		atomic.AddInt32(b.metadataCalls, 1)
	}
	if b.metadataFn != nil {
		return b.metadataFn()
	}
	return &MetadataSnapshot{}, nil
}

func (b *testBroker) FindGroupCoordinator(ctx context.Context, groupID string, t CoordinatorType) (CoordinatorMetadata, error) {
	return CoordinatorMetadata{}, nil
}

func (b *testBroker) ListOffsets(ctx context.Context, level IsolationLevel, topics []ListOffsetsTopicRequest) ([]ListOffsetsTopicResponse, error) {
	return nil, nil
}

func newTestPool(t *testing.T, newBroker NewBroker) (*BrokerPool, *ConnectionBuilder) {
	t.Helper()
	builder, err := NewConnectionBuilder(ConnectionBuilderConfig{
		Seeds:     []string{"seed:9092"},
		NewBroker: newBroker,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool := NewBrokerPool(builder, time.Minute, 50*time.Millisecond, nil)
	return pool, builder
}

func TestBrokerPoolConnectUsesSeedBroker(t *testing.T) {
	t.Parallel()

	seed := &testBroker{}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })

	if err := pool.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pool.HasConnectedBrokers() {
		t.Error("expected the seed broker to be connected")
	}
}

func TestBrokerPoolConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	var builds int32
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker {
		atomic.AddInt32(&builds, 1)
		return &testBroker{}
	})

	for i := 0; i < 3; i++ {
		if err := pool.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if builds != 1 {
		t.Errorf("expected exactly one seed broker to be built, got %d", builds)
	}
}

func TestBrokerPoolDisconnectDropsSnapshotAndBrokers(t *testing.T) {
	t.Parallel()

	seed := &testBroker{}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })
	_ = pool.Connect(context.Background())

	node := &testBroker{nodeID: 1}
	pool.brokers[1] = node
	node.connected = true
	pool.snapshot = &MetadataSnapshot{Brokers: []BrokerInfo{{NodeID: 1}}}

	if err := pool.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pool.HasConnectedBrokers() {
		t.Error("expected no brokers to remain connected")
	}
	if pool.Snapshot() != nil {
		t.Error("expected the snapshot to be dropped")
	}
}

func TestBrokerPoolRefreshMetadataSingleFlight(t *testing.T) {
	t.Parallel()

	var calls int32
	release := make(chan struct{})
	seed := &testBroker{
		metadataCalls: &calls,
		metadataFn: func() (*MetadataSnapshot, error) {
			<-release
			return &MetadataSnapshot{Brokers: []BrokerInfo{{NodeID: 1, Host: "h", Port: 1}}}, nil
		},
	}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })
	_ = pool.Connect(context.Background())

	const n = 10
	var wg sync.WaitGroup
	results := make([]*MetadataSnapshot, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := pool.RefreshMetadata(context.Background(), nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = snap
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected exactly 1 underlying Metadata call, got %d", calls)
	}
	for i, r := range results {
		if r != results[0] {
			t.Errorf("caller %d observed a different snapshot than caller 0", i)
		}
	}
}

func TestBrokerPoolRefreshMetadataReconcilesBrokerMap(t *testing.T) {
	t.Parallel()

	seed := &testBroker{
		metadataFn: func() (*MetadataSnapshot, error) {
			return &MetadataSnapshot{Brokers: []BrokerInfo{{NodeID: 1, Host: "h", Port: 1}}}, nil
		},
	}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })
	_ = pool.Connect(context.Background())

	stale := &testBroker{connected: true}
	pool.brokers[99] = stale

	if _, err := pool.RefreshMetadata(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := pool.brokers[99]; ok {
		t.Error("expected broker 99 to be dropped, it is absent from the new snapshot")
	}
	if stale.IsConnected() {
		t.Error("expected broker 99 to have been disconnected during reconciliation")
	}
}

func TestBrokerPoolFindBrokerFailsForUnknownNode(t *testing.T) {
	t.Parallel()

	seed := &testBroker{
		metadataFn: func() (*MetadataSnapshot, error) {
			return &MetadataSnapshot{Brokers: []BrokerInfo{{NodeID: 1, Host: "h", Port: 1}}}, nil
		},
	}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })
	_ = pool.Connect(context.Background())
	_, _ = pool.RefreshMetadata(context.Background(), nil)

	_, err := pool.FindBroker(context.Background(), 42)
	var notFound *BrokerNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *BrokerNotFoundError, got %T: %v", err, err)
	}
}

func TestBrokerPoolFindBrokerConnectsLazilyAndSerializes(t *testing.T) {
	t.Parallel()

	var builds int32
	seed := &testBroker{
		metadataFn: func() (*MetadataSnapshot, error) {
			return &MetadataSnapshot{Brokers: []BrokerInfo{{NodeID: 1, Host: "h", Port: 1}}}, nil
		},
	}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker {
		if cfg.NodeID == 1 {
			atomic.AddInt32(&builds, 1)
			return &testBroker{nodeID: 1, connectDelay: 10 * time.Millisecond}
		}
		return seed
	})
	_ = pool.Connect(context.Background())
	_, _ = pool.RefreshMetadata(context.Background(), nil)

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.FindBroker(context.Background(), 1); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if builds != 1 {
		t.Errorf("expected exactly one socket to be opened for node 1, got %d", builds)
	}
}

func TestBrokerPoolRefreshMetadataIfNecessaryTriggersOnMissingSnapshot(t *testing.T) {
	t.Parallel()

	var calls int32
	seed := &testBroker{
		metadataCalls: &calls,
		metadataFn: func() (*MetadataSnapshot, error) {
			return &MetadataSnapshot{FetchedAt: timestamp(time.Now())}, nil
		},
	}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })
	_ = pool.Connect(context.Background())

	if _, err := pool.RefreshMetadataIfNecessary(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", calls)
	}
}

func TestBrokerPoolRefreshMetadataIfNecessarySkipsWhenFresh(t *testing.T) {
	t.Parallel()

	var calls int32
	seed := &testBroker{
		metadataCalls: &calls,
		metadataFn: func() (*MetadataSnapshot, error) {
			return &MetadataSnapshot{FetchedAt: timestamp(time.Now()), TopicMetadata: []TopicMetadata{{Topic: "orders"}}}, nil
		},
	}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })
	_ = pool.Connect(context.Background())
	_, _ = pool.RefreshMetadataIfNecessary(context.Background(), []string{"orders"})

	if _, err := pool.RefreshMetadataIfNecessary(context.Background(), []string{"orders"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no additional refresh when metadata is fresh and topic present, got %d total calls", calls)
	}
}

func TestBrokerPoolWithBrokerFailsWhenNothingConnected(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return &testBroker{} })

	_, err := WithBroker(pool, func(nodeID int, broker Broker) (struct{}, error) {
		return struct{}{}, nil
	})

	var notConnected *BrokerNotConnectedError
	if !errors.As(err, &notConnected) {
		t.Fatalf("expected *BrokerNotConnectedError, got %T: %v", err, err)
	}
}

func TestBrokerPoolWithBrokerInvokesFnOnConnectedBroker(t *testing.T) {
	t.Parallel()

	seed := &testBroker{}
	pool, _ := newTestPool(t, func(cfg BrokerConfig) Broker { return seed })
	_ = pool.Connect(context.Background())

	got, err := WithBroker(pool, func(nodeID int, broker Broker) (int, error) {
		return nodeID, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -1 {
		t.Errorf("expected the seed broker's nodeId (-1), got %d", got)
	}
}
