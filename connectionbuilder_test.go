package kafka

import (
	"context"
	"testing"
)

type fakeBroker struct {
	config BrokerConfig
}

func (f *fakeBroker) Metadata(ctx context.Context, topics []string) (*MetadataSnapshot, error) {
	return nil, nil
}
func (f *fakeBroker) FindGroupCoordinator(ctx context.Context, groupID string, t CoordinatorType) (CoordinatorMetadata, error) {
	return CoordinatorMetadata{}, nil
}
func (f *fakeBroker) ListOffsets(ctx context.Context, level IsolationLevel, topics []ListOffsetsTopicRequest) ([]ListOffsetsTopicResponse, error) {
	return nil, nil
}
func (f *fakeBroker) Connect(ctx context.Context) error { return nil }
func (f *fakeBroker) Disconnect() error                  { return nil }
func (f *fakeBroker) IsConnected() bool                  { return true }

func newFakeConnectionBuilder(t *testing.T, seeds []string) *ConnectionBuilder {
	t.Helper()

	var built []BrokerConfig
	b, err := NewConnectionBuilder(ConnectionBuilderConfig{
		Seeds:    seeds,
		ClientID: "test-client",
		NewBroker: func(cfg BrokerConfig) Broker {
			built = append(built, cfg)
			return &fakeBroker{config: cfg}
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func TestConnectionBuilderRejectsInvalidSeeds(t *testing.T) {
	t.Parallel()

	_, err := NewConnectionBuilder(ConnectionBuilderConfig{Seeds: []string{"not-a-valid-address"}})
	if err == nil {
		t.Fatal("expected an error for a malformed seed address")
	}
}

func TestConnectionBuilderRoundRobinsSeeds(t *testing.T) {
	t.Parallel()

	b := newFakeConnectionBuilder(t, []string{"host-a:9092", "host-b:9092", "host-c:9092"})

	var hosts []string
	for i := 0; i < 6; i++ {
		broker := b.BuildSeedBroker().(*fakeBroker)
		hosts = append(hosts, broker.config.Addr.String())
	}

	seen := map[string]bool{}
	for _, h := range hosts {
		seen[h] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 seeds to be visited, saw %v", hosts)
	}
}

func TestConnectionBuilderSeedBrokersHaveUnknownNodeID(t *testing.T) {
	t.Parallel()

	b := newFakeConnectionBuilder(t, []string{"host-a:9092"})
	broker := b.BuildSeedBroker().(*fakeBroker)

	if broker.config.NodeID != -1 {
		t.Errorf("expected a seed broker to carry nodeId -1, got %d", broker.config.NodeID)
	}
}

func TestConnectionBuilderBuildsBrokerFromMetadata(t *testing.T) {
	t.Parallel()

	b := newFakeConnectionBuilder(t, []string{"host-a:9092"})
	info := BrokerInfo{NodeID: 7, Host: "host-d", Port: 9093, Rack: "rack1"}

	broker := b.BuildBroker(info).(*fakeBroker)

	if broker.config.NodeID != 7 {
		t.Errorf("expected nodeId 7, got %d", broker.config.NodeID)
	}
	if broker.config.Addr.String() != "host-d:9093" {
		t.Errorf("expected host-d:9093, got %s", broker.config.Addr.String())
	}
	if broker.config.Rack != "rack1" {
		t.Errorf("expected rack1, got %s", broker.config.Rack)
	}
}

func TestConnectionBuilderPropagatesClientID(t *testing.T) {
	t.Parallel()

	b := newFakeConnectionBuilder(t, []string{"host-a:9092"})
	broker := b.BuildSeedBroker().(*fakeBroker)

	if broker.config.ClientID != "test-client" {
		t.Errorf("expected client id to propagate, got %q", broker.config.ClientID)
	}
}
