package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/kafka-coord/kcluster/sasl"
)

// Config is passed to NewCluster. It collects every collaborator the
// Cluster needs — nothing is read from a package-level global, per
// spec.md §9's "no process-wide state" design note.
type Config struct {
	Brokers []string

	TLS      *tls.Config
	SASL     sasl.Mechanism
	ClientID string

	ConnectionTimeout     time.Duration
	AuthenticationTimeout time.Duration
	RequestTimeout        time.Duration
	EnforceRequestTimeout bool

	MetadataMaxAge         time.Duration
	MaxInFlightRequests    int
	AllowAutoTopicCreation bool
	IsolationLevel         IsolationLevel
	RetryConfig            RetryConfig

	// NewBroker constructs the concrete Broker implementation
	// ConnectionBuilder binds configuration to. This module ships no
	// default: doing so would require the wire codec and socket transport
	// spec.md §1 places out of scope.
	NewBroker NewBroker

	Logger      Logger
	ErrorLogger Logger
}

// AllowAutoTopicCreation and MaxInFlightRequests are accepted here for
// parity with spec.md §6's configuration surface. MaxInFlightRequests flows
// through to every Broker this Cluster builds via BrokerConfig; the core
// itself does not interpret it. AllowAutoTopicCreation is stored on the
// Cluster but is not passed to any Broker and is not read anywhere in this
// package.

// Cluster is the public façade exposed to producer/consumer/admin layers:
// connect/disconnect, metadata queries, leader lookup, coordinator
// discovery, offset listing, and committed-offset bookkeeping.
type Cluster struct {
	pool    *BrokerPool
	retrier *Retrier
	subs    *SubscriptionState

	isolationLevel         IsolationLevel
	allowAutoTopicCreation bool

	logger      Logger
	errorLogger Logger

	mu           sync.Mutex
	targetTopics map[string]bool

	offsetsMu sync.Mutex
	offsets   map[string]map[string]map[int]string // groupId -> topic -> partition -> offset
}

// NewCluster constructs a Cluster from config. No socket is opened and no
// network call is made until Connect runs.
func NewCluster(config Config) (*Cluster, error) {
	if config.NewBroker == nil {
		return nil, errors.New("kafka: Config.NewBroker must be set")
	}

	builder, err := NewConnectionBuilder(ConnectionBuilderConfig{
		Seeds:                 config.Brokers,
		NewBroker:             config.NewBroker,
		TLS:                   config.TLS,
		SASL:                  config.SASL,
		ClientID:              config.ClientID,
		ConnectionTimeout:     config.ConnectionTimeout,
		AuthenticationTimeout: config.AuthenticationTimeout,
		RequestTimeout:        config.RequestTimeout,
		EnforceRequestTimeout: config.EnforceRequestTimeout,
		MaxInFlightRequests:   config.MaxInFlightRequests,
	})
	if err != nil {
		return nil, err
	}

	pool := NewBrokerPool(builder, config.MetadataMaxAge, config.AuthenticationTimeout, config.Logger)

	return &Cluster{
		pool:                   pool,
		retrier:                NewRetrier(config.RetryConfig),
		subs:                   NewSubscriptionState(),
		isolationLevel:         config.IsolationLevel,
		allowAutoTopicCreation: config.AllowAutoTopicCreation,
		logger:                 config.Logger,
		errorLogger:            config.ErrorLogger,
		targetTopics:           make(map[string]bool),
		offsets:                make(map[string]map[string]map[int]string),
	}, nil
}

func (c *Cluster) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *Cluster) logErrorf(format string, args ...any) {
	if c.errorLogger != nil {
		c.errorLogger.Printf(format, args...)
	}
}

// Subscriptions returns the SubscriptionState this Cluster tracks pause/
// resume through. Higher layers consult IsPaused on the fetch hot path.
func (c *Cluster) Subscriptions() *SubscriptionState { return c.subs }

// Connect materializes at least one broker and fetches an initial
// metadata snapshot.
func (c *Cluster) Connect(ctx context.Context) error {
	if err := c.pool.Connect(ctx); err != nil {
		return err
	}
	_, err := c.pool.RefreshMetadata(ctx, c.targetTopicsSnapshot())
	return err
}

// Disconnect tears down every broker and drops the cached snapshot.
func (c *Cluster) Disconnect() error {
	return c.pool.Disconnect()
}

func (c *Cluster) targetTopicsSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.targetTopics))
	for t := range c.targetTopics {
		topics = append(topics, t)
	}
	return topics
}

// AddTargetTopic registers topic as one the higher layer wants metadata
// for. If it was not already targeted, or if no snapshot exists yet, this
// forces a metadata refresh and blocks until it completes.
func (c *Cluster) AddTargetTopic(ctx context.Context, topic string) error {
	return c.AddMultipleTargetTopics(ctx, []string{topic})
}

// AddMultipleTargetTopics is AddTargetTopic for a batch of topics; it
// forces at most one refresh covering the whole batch.
func (c *Cluster) AddMultipleTargetTopics(ctx context.Context, topics []string) error {
	c.mu.Lock()
	changed := false
	for _, t := range topics {
		if !c.targetTopics[t] {
			c.targetTopics[t] = true
			changed = true
		}
	}
	snapshotExists := c.pool.Snapshot() != nil
	c.mu.Unlock()

	if !changed && snapshotExists {
		return nil
	}

	_, err := c.pool.RefreshMetadata(ctx, c.targetTopicsSnapshot())
	return err
}

// Metadata returns a metadata snapshot covering topics, wrapped in the
// outer retrier: LEADER_NOT_AVAILABLE is retried, everything else bails.
func (c *Cluster) Metadata(ctx context.Context, topics []string) (*MetadataSnapshot, error) {
	var result *MetadataSnapshot

	err := c.retrier.Do(ctx, func(bail chan<- error, attempt int, elapsed time.Duration) error {
		snap, err := c.pool.RefreshMetadataIfNecessary(ctx, topics)
		if err != nil {
			if pe, ok := asProtocolError(err); ok && pe == LeaderNotAvailable {
				return err
			}
			bail <- err
			return err
		}
		result = snap
		return nil
	})

	return result, err
}

// FindBroker delegates to the BrokerPool. If the failure is
// *BrokerNotFoundError, *LockTimeoutError, or a connection refusal, a
// metadata refresh is triggered before the error is surfaced so the caller
// retries against fresh topology.
func (c *Cluster) FindBroker(ctx context.Context, nodeID int) (Broker, error) {
	broker, err := c.pool.FindBroker(ctx, nodeID)
	if err == nil {
		return broker, nil
	}

	if shouldRefreshOnError(err) {
		if _, refreshErr := c.pool.RefreshMetadata(ctx, c.targetTopicsSnapshot()); refreshErr != nil {
			c.logErrorf("metadata refresh after findBroker failure also failed: %v", refreshErr)
		}
	}

	return nil, err
}

func shouldRefreshOnError(err error) bool {
	var notFound *BrokerNotFoundError
	var lockTimeout *LockTimeoutError
	if errors.As(err, &notFound) || errors.As(err, &lockTimeout) {
		return true
	}
	return isConnectionRefused(err)
}

func isConnectionRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

// FindControllerBroker returns the broker for the current snapshot's
// controllerId. It fails *MetadataNotLoadedError if no snapshot exists or
// the snapshot has no controller, and *BrokerNotFoundError if the
// controller's nodeId is absent from the broker list.
func (c *Cluster) FindControllerBroker(ctx context.Context) (Broker, error) {
	snap := c.pool.Snapshot()
	if snap == nil {
		return nil, &MetadataNotLoadedError{Reason: "controller id"}
	}
	if snap.ControllerID == nil {
		return nil, &MetadataNotLoadedError{Reason: "controller id"}
	}
	return c.pool.FindBroker(ctx, *snap.ControllerID)
}

// FindTopicPartitionMetadata returns topic's partition metadata from the
// current snapshot. It fails *TopicMetadataNotLoadedError if no snapshot
// exists or the snapshot carries no topic metadata (nil TopicMetadata); it
// returns an empty slice (not an error) if the snapshot's topic metadata
// never heard of topic, since the caller may choose to trigger a refresh
// itself.
func (c *Cluster) FindTopicPartitionMetadata(topic string) ([]PartitionMetadata, error) {
	snap := c.pool.Snapshot()
	if snap == nil || snap.TopicMetadata == nil {
		return nil, &TopicMetadataNotLoadedError{Topic: topic}
	}
	t, ok := snap.topic(topic)
	if !ok {
		return nil, nil
	}
	return t.PartitionMetadata, nil
}

// FindLeaderForPartitions groups the given partition ids by their current
// leader nodeId. A partition absent from the topic's metadata is silently
// omitted — the caller is assumed to have refreshed recently. A partition
// present but with a nil leader (an election in progress) always fails
// *InvalidPartitionMetadataError; no refresh is triggered here, since that
// decision belongs to the caller (see DESIGN.md's Open Question decision).
func (c *Cluster) FindLeaderForPartitions(topic string, partitions []int) (map[int][]int, error) {
	partitionMeta, err := c.FindTopicPartitionMetadata(topic)
	if err != nil {
		return nil, err
	}

	byID := make(map[int]PartitionMetadata, len(partitionMeta))
	for _, p := range partitionMeta {
		byID[p.Partition] = p
	}

	result := make(map[int][]int)
	for _, id := range partitions {
		p, ok := byID[id]
		if !ok {
			continue
		}
		if p.Leader == nil {
			return nil, &InvalidPartitionMetadataError{Topic: topic, Partition: id}
		}
		result[*p.Leader] = append(result[*p.Leader], id)
	}
	return result, nil
}

// FindGroupCoordinator resolves the broker that owns groupId's (or
// transactional id's) coordinator state, wrapped in the outer retrier: on
// *BrokerNotFoundError, GROUP_COORDINATOR_NOT_AVAILABLE, or a connection
// refusal it refreshes metadata and retries; other errors bail.
func (c *Cluster) FindGroupCoordinator(ctx context.Context, groupID string, coordinatorType CoordinatorType) (Broker, error) {
	var broker Broker

	err := c.retrier.Do(ctx, func(bail chan<- error, attempt int, elapsed time.Duration) error {
		coord, err := c.findGroupCoordinatorMetadata(ctx, groupID, coordinatorType)
		if err != nil {
			if errors.Is(err, errGroupCoordinatorNotAvailable) || shouldRefreshOnError(err) {
				if _, refreshErr := c.pool.RefreshMetadata(ctx, c.targetTopicsSnapshot()); refreshErr != nil {
					c.logErrorf("metadata refresh during coordinator discovery failed: %v", refreshErr)
				}
				return err
			}
			bail <- err
			return err
		}

		b, err := c.pool.FindBroker(ctx, coord.NodeID)
		if err != nil {
			if shouldRefreshOnError(err) {
				if _, refreshErr := c.pool.RefreshMetadata(ctx, c.targetTopicsSnapshot()); refreshErr != nil {
					c.logErrorf("metadata refresh during coordinator discovery failed: %v", refreshErr)
				}
				return err
			}
			bail <- err
			return err
		}

		broker = b
		return nil
	})

	return broker, err
}

var errGroupCoordinatorNotAvailable = errors.New("group coordinator not available")

// findGroupCoordinatorMetadata uses any connected broker (WithBroker) to
// look up groupId's coordinator, wrapped in an inner retrier that retries
// only on GROUP_COORDINATOR_NOT_AVAILABLE and bails every other error. If
// the inner retrier exhausts its budget while still seeing
// GROUP_COORDINATOR_NOT_AVAILABLE, that classification is preserved
// (errors.Is(err, errGroupCoordinatorNotAvailable) holds) so the outer
// retrier in FindGroupCoordinator can refresh metadata and issue a second
// outer attempt, instead of the signal being lost behind a pre-converted
// *GroupCoordinatorNotFoundError. A lookup that succeeds but yields a
// zero-valued CoordinatorMetadata fails *GroupCoordinatorNotFoundError.
func (c *Cluster) findGroupCoordinatorMetadata(ctx context.Context, groupID string, coordinatorType CoordinatorType) (CoordinatorMetadata, error) {
	var result CoordinatorMetadata
	found := false

	inner := NewRetrier(RetryConfig{InitialRetryTime: 100 * time.Millisecond, MaxRetryTime: 2 * time.Second, Retries: 3})

	err := inner.Do(ctx, func(bail chan<- error, attempt int, elapsed time.Duration) error {
		coord, err := WithBroker(c.pool, func(nodeID int, broker Broker) (CoordinatorMetadata, error) {
			return broker.FindGroupCoordinator(ctx, groupID, coordinatorType)
		})
		if err != nil {
			if pe, ok := asProtocolError(err); ok && pe == GroupCoordinatorNotAvailable {
				return errGroupCoordinatorNotAvailable
			}
			bail <- err
			return err
		}
		result, found = coord, true
		return nil
	})

	if err != nil {
		if errors.Is(err, errGroupCoordinatorNotAvailable) {
			return CoordinatorMetadata{}, fmt.Errorf("group coordinator not available for group %q: %w", groupID, err)
		}
		return CoordinatorMetadata{}, err
	}
	if !found || result == (CoordinatorMetadata{}) {
		return CoordinatorMetadata{}, &GroupCoordinatorNotFoundError{GroupID: groupID}
	}
	return result, nil
}

// TopicOffsetRequest is one entry of FetchTopicsOffset's input: the
// partitions of topic to look up, and whether to resolve EarliestOffset or
// LatestOffset for them.
type TopicOffsetRequest struct {
	Topic         string
	Partitions    []int
	FromBeginning bool
}

// PartitionOffset is one partition's resolved offset.
type PartitionOffset struct {
	Partition int
	Offset    string
}

// TopicOffsets is FetchTopicsOffset's per-topic result.
type TopicOffsets struct {
	Topic      string
	Partitions []PartitionOffset
}

// FetchTopicsOffset resolves the earliest or latest offset (per
// FromBeginning) for every partition named in requests. One ListOffsets
// call is issued per leader broker, all in parallel; if any fails the
// whole operation fails — there is no partial result.
func (c *Cluster) FetchTopicsOffset(ctx context.Context, requests []TopicOffsetRequest) ([]TopicOffsets, error) {
	type leaderTopic struct {
		topic      string
		partitions []ListOffsetsPartitionRequest
	}

	byLeader := make(map[int][]leaderTopic)

	for _, req := range requests {
		leaders, err := c.FindLeaderForPartitions(req.Topic, req.Partitions)
		if err != nil {
			return nil, err
		}

		timestamp := LatestOffset
		if req.FromBeginning {
			timestamp = EarliestOffset
		}

		for nodeID, partitions := range leaders {
			descriptors := make([]ListOffsetsPartitionRequest, 0, len(partitions))
			for _, p := range partitions {
				descriptors = append(descriptors, ListOffsetsPartitionRequest{Partition: p, Timestamp: timestamp})
			}
			byLeader[nodeID] = append(byLeader[nodeID], leaderTopic{topic: req.Topic, partitions: descriptors})
		}
	}

	type leaderResult struct {
		responses []ListOffsetsTopicResponse
		err       error
	}

	results := make(chan leaderResult, len(byLeader))
	var wg sync.WaitGroup

	for nodeID, topics := range byLeader {
		wg.Add(1)
		go func(nodeID int, topics []leaderTopic) {
			defer wg.Done()

			broker, err := c.pool.FindBroker(ctx, nodeID)
			if err != nil {
				results <- leaderResult{err: err}
				return
			}

			req := make([]ListOffsetsTopicRequest, 0, len(topics))
			for _, t := range topics {
				req = append(req, ListOffsetsTopicRequest{Topic: t.topic, Partitions: t.partitions})
			}

			resp, err := broker.ListOffsets(ctx, c.isolationLevel, req)
			results <- leaderResult{responses: resp, err: err}
		}(nodeID, topics)
	}

	wg.Wait()
	close(results)

	merged := make(map[string][]PartitionOffset)
	for r := range results {
		if r.err != nil {
			return nil, r.err
		}
		for _, topicResp := range r.responses {
			for _, p := range topicResp.Partitions {
				merged[topicResp.Topic] = append(merged[topicResp.Topic], PartitionOffset{Partition: p.Partition, Offset: p.Offset})
			}
		}
	}

	out := make([]TopicOffsets, 0, len(merged))
	for topic, partitions := range merged {
		out = append(out, TopicOffsets{Topic: topic, Partitions: partitions})
	}
	return out, nil
}

// CommittedOffsets returns the per-topic, per-partition committed offset
// map for groupId, lazily initializing an empty map on first access. The
// map is pure in-memory bookkeeping — it is never read back from a broker.
func (c *Cluster) CommittedOffsets(groupID string) map[string]map[int]string {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()

	g, ok := c.offsets[groupID]
	if !ok {
		g = make(map[string]map[int]string)
		c.offsets[groupID] = g
	}
	return g
}

// MarkOffsetAsCommitted records offset as committed for groupId's
// topic-partition.
func (c *Cluster) MarkOffsetAsCommitted(groupID, topic string, partition int, offset string) {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()

	g, ok := c.offsets[groupID]
	if !ok {
		g = make(map[string]map[int]string)
		c.offsets[groupID] = g
	}
	t, ok := g[topic]
	if !ok {
		t = make(map[int]string)
		g[topic] = t
	}
	t[partition] = offset
}

func asProtocolError(err error) (ProtocolError, bool) {
	var pe ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return 0, false
}
