package kafka

import (
	"fmt"
	"strings"
)

// errorList collects multiple errors encountered while performing an
// operation that must attempt all of its steps even after some of them
// fail (e.g. disconnecting every broker in the pool).
type errorList []error

func (errors errorList) Error() string {
	switch len(errors) {
	case 0:
		return ""
	case 1:
		return errors[0].Error()
	default:
		s := make([]string, len(errors))
		for i, e := range errors {
			s[i] = e.Error()
		}
		return strings.Join(s, ": ")
	}
}

func appendError(to error, err error) error {
	if err == nil {
		return to
	}

	if to == nil {
		return err
	}

	if errlist, ok := to.(errorList); ok {
		return append(errlist, err)
	}

	return errorList{to, err}
}

// MetadataNotLoadedError is returned when an operation requires a cluster
// metadata snapshot but the BrokerPool has never successfully completed a
// refresh.
type MetadataNotLoadedError struct {
	// Reason further qualifies what was missing, e.g. "controller id".
	Reason string
}

func (e *MetadataNotLoadedError) Error() string {
	if e.Reason == "" {
		return "metadata not loaded"
	}
	return fmt.Sprintf("metadata not loaded: %s", e.Reason)
}

// TopicMetadataNotLoadedError is returned by FindTopicPartitionMetadata when
// no metadata snapshot (or no topic metadata at all) is available yet.
type TopicMetadataNotLoadedError struct {
	Topic string
}

func (e *TopicMetadataNotLoadedError) Error() string {
	return fmt.Sprintf("topic metadata not loaded: %s", e.Topic)
}

// BrokerNotFoundError is returned when a nodeId is not present in the
// current metadata snapshot.
type BrokerNotFoundError struct {
	NodeID int
}

func (e *BrokerNotFoundError) Error() string {
	return fmt.Sprintf("broker not found: node id %d", e.NodeID)
}

// BrokerNotConnectedError is returned by WithBroker when no
// broker in the pool is currently connected.
type BrokerNotConnectedError struct{}

func (e *BrokerNotConnectedError) Error() string { return "no broker is currently connected" }

// GroupCoordinatorNotFoundError is returned when a coordinator lookup
// succeeds but yields an empty (zero-valued) coordinator. Exhausting the
// retries on GROUP_COORDINATOR_NOT_AVAILABLE does not produce this error;
// that case keeps the not-available classification.
type GroupCoordinatorNotFoundError struct {
	GroupID string
}

func (e *GroupCoordinatorNotFoundError) Error() string {
	return fmt.Sprintf("group coordinator not found for group %q", e.GroupID)
}

// LockTimeoutError is returned to a waiter blocked on a per-nodeId connect
// lock when the holder's connection attempt exceeds AuthenticationTimeout.
type LockTimeoutError struct {
	NodeID int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for connection lock on node id %d", e.NodeID)
}

// InvalidPartitionMetadataError is returned when a partition's metadata is
// present in a snapshot but its leader is unknown (the cluster is in the
// middle of a leader election).
type InvalidPartitionMetadataError struct {
	Topic     string
	Partition int
}

func (e *InvalidPartitionMetadataError) Error() string {
	return fmt.Sprintf("invalid partition metadata: %s[%d] has no leader", e.Topic, e.Partition)
}

// NonRetriableError wraps an error to mark it as a sentinel kind that must
// bypass the Retrier entirely: no amount of waiting will make the operation
// succeed, so surfacing it immediately is the only sane behavior.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string { return e.Err.Error() }

func (e *NonRetriableError) Unwrap() error { return e.Err }

func nonRetriable(format string, args ...interface{}) error {
	return &NonRetriableError{Err: fmt.Errorf(format, args...)}
}
