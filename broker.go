package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/kafka-coord/kcluster/sasl"
)

// IsolationLevel selects which transactional records a ListOffsets/Fetch
// caller is allowed to observe.
type IsolationLevel int8

const (
	ReadUncommitted IsolationLevel = 0
	ReadCommitted   IsolationLevel = 1
)

// CoordinatorType distinguishes a consumer-group coordinator from a
// transactional-id coordinator; both are discovered through the same
// FindGroupCoordinator request shape.
type CoordinatorType int8

const (
	CoordinatorGroup       CoordinatorType = 0
	CoordinatorTransaction CoordinatorType = 1
)

// Offset sentinels accepted by ListOffsets in place of a concrete
// timestamp.
const (
	EarliestOffset int64 = -2
	LatestOffset   int64 = -1
)

// BrokerInfo identifies a single broker process the way a metadata response
// describes it. It is the module's analog of the teacher's protocol.Broker.
type BrokerInfo struct {
	NodeID int
	Host   string
	Port   int
	Rack   string
}

// Addr returns the net.Addr a ConnectionBuilder hands to the injected
// Broker constructor for this broker.
func (b BrokerInfo) Addr() net.Addr {
	return TCP(fmt.Sprintf("%s:%d", b.Host, b.Port))
}

// Format implements fmt.Formatter the way the teacher's protocol.Broker
// does, so %v of a BrokerInfo prints "<id> <host>:<port> <rack>" in log
// lines and test failure messages.
func (b BrokerInfo) Format(w fmt.State, v rune) {
	switch v {
	case 'd':
		fmt.Fprintf(w, "%d", b.NodeID)
	case 's', 'v':
		if b.Rack != "" {
			fmt.Fprintf(w, "%d %s:%d %s", b.NodeID, b.Host, b.Port, b.Rack)
		} else {
			fmt.Fprintf(w, "%d %s:%d", b.NodeID, b.Host, b.Port)
		}
	}
}

// PartitionMetadata mirrors a single partition entry inside a topic's
// metadata, as carried in a MetadataSnapshot.
type PartitionMetadata struct {
	Partition         int
	Leader            *int // nil indicates a leader election in progress
	Replicas          []int
	ISR               []int
	PartitionErrorCode ProtocolError
}

// TopicMetadata mirrors one topic entry inside a MetadataSnapshot.
type TopicMetadata struct {
	Topic            string
	TopicErrorCode   ProtocolError
	PartitionMetadata []PartitionMetadata
}

// MetadataSnapshot is the cached view of cluster topology BrokerPool
// installs atomically on every successful refresh. Once installed, a
// snapshot is never mutated; a refresh replaces the pointer rather than
// editing it in place, so a caller that captures the pointer once never
// observes a torn read.
type MetadataSnapshot struct {
	ControllerID  *int
	Brokers       []BrokerInfo
	TopicMetadata []TopicMetadata
	FetchedAt     int64 // milliseconds, see time.go's timestamp()
}

func (m *MetadataSnapshot) topic(name string) (TopicMetadata, bool) {
	if m == nil {
		return TopicMetadata{}, false
	}
	for _, t := range m.TopicMetadata {
		if t.Topic == name {
			return t, true
		}
	}
	return TopicMetadata{}, false
}

func (m *MetadataSnapshot) broker(nodeID int) (BrokerInfo, bool) {
	if m == nil {
		return BrokerInfo{}, false
	}
	for _, b := range m.Brokers {
		if b.NodeID == nodeID {
			return b, true
		}
	}
	return BrokerInfo{}, false
}

// CoordinatorMetadata is the result of FindGroupCoordinator/
// findGroupCoordinatorMetadata: the nodeId of the broker that owns the
// group's (or transactional id's) state, plus the host/port the teacher's
// equivalent response exposes for diagnostics.
type CoordinatorMetadata struct {
	NodeID int
	Host   string
	Port   int
}

// ListOffsetsPartitionRequest describes one partition a ListOffsets call
// wants the earliest or latest offset for.
type ListOffsetsPartitionRequest struct {
	Partition int
	Timestamp int64 // EarliestOffset, LatestOffset, or an explicit ms timestamp
}

// ListOffsetsTopicRequest groups the partitions of a single topic being
// queried by one ListOffsets call.
type ListOffsetsTopicRequest struct {
	Topic      string
	Partitions []ListOffsetsPartitionRequest
}

// ListOffsetsPartitionResponse is one partition's answer inside a
// ListOffsets response.
type ListOffsetsPartitionResponse struct {
	Partition int
	Offset    string // decimal string: see spec.md's "offsets as strings"
	ErrorCode ProtocolError
}

// ListOffsetsTopicResponse groups the partition responses for one topic.
type ListOffsetsTopicResponse struct {
	Topic      string
	Partitions []ListOffsetsPartitionResponse
}

// Broker is the opaque, externally-owned endpoint this module routes
// protocol requests to. It ships here strictly as an interface: no type in
// this module implements a socket, a wire codec, or TLS/SASL negotiation.
// A concrete Broker (and the NewBroker constructor that produces one) is
// supplied by the embedding application.
type Broker interface {
	// Metadata returns cluster topology restricted to topics (or all
	// topics, if topics is empty, mirroring the wire protocol's convention).
	Metadata(ctx context.Context, topics []string) (*MetadataSnapshot, error)

	// FindGroupCoordinator resolves the broker that owns the given group's
	// (or transactional id's) coordinator state.
	FindGroupCoordinator(ctx context.Context, groupID string, coordinatorType CoordinatorType) (CoordinatorMetadata, error)

	// ListOffsets answers an earliest/latest (or timestamp) offset lookup
	// for a batch of topic-partitions, observed at the given isolation
	// level.
	ListOffsets(ctx context.Context, isolationLevel IsolationLevel, topics []ListOffsetsTopicRequest) ([]ListOffsetsTopicResponse, error)

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

// BrokerConfig is the configuration ConnectionBuilder composes and hands to
// a NewBroker constructor. It never causes a socket to be opened by itself
// — composing this value is the entire extent of ConnectionBuilder's job.
type BrokerConfig struct {
	Addr                  net.Addr
	NodeID                int // -1 for a seed broker whose nodeId is not yet known
	Rack                  string
	TLS                   *tls.Config
	SASL                  sasl.Mechanism
	ClientID              string
	ConnectionTimeout     time.Duration
	AuthenticationTimeout time.Duration
	RequestTimeout        time.Duration
	EnforceRequestTimeout bool
	MaxInFlightRequests   int
}

// NewBroker constructs a Broker bound to the given configuration. Supplied
// by the embedding application; this module never provides a default
// implementation since doing so would require the wire codec and socket
// transport this core explicitly excludes (spec.md §1).
type NewBroker func(BrokerConfig) Broker
