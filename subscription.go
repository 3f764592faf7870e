package kafka

import "sync"

// PauseEntry names a topic and, optionally, a specific set of partitions to
// pause or resume. A nil/empty Partitions means "the whole topic".
type PauseEntry struct {
	Topic      string
	Partitions []int
}

// PausedTopic is one entry of SubscriptionState.Paused's snapshot.
type PausedTopic struct {
	Topic      string
	Partitions []int
	All        bool
}

type topicPauseState struct {
	partitions map[int]bool
	all        bool
}

// SubscriptionState tracks which topics and partitions are currently
// paused. It answers IsPaused on the hot path (every fetch consults it),
// so reads take a RWMutex rather than the full Mutex writes use.
type SubscriptionState struct {
	mu     sync.RWMutex
	topics map[string]*topicPauseState
}

// NewSubscriptionState returns an empty SubscriptionState: nothing paused.
func NewSubscriptionState() *SubscriptionState {
	return &SubscriptionState{topics: make(map[string]*topicPauseState)}
}

func (s *SubscriptionState) entry(topic string) *topicPauseState {
	t, ok := s.topics[topic]
	if !ok {
		t = &topicPauseState{partitions: make(map[int]bool)}
		s.topics[topic] = t
	}
	return t
}

// Pause unions the given partitions into the paused set for each entry; an
// entry with no Partitions pauses the whole topic (all=true, clearing any
// previously paused partitions).
func (s *SubscriptionState) Pause(entries []PauseEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		t := s.entry(e.Topic)
		if len(e.Partitions) == 0 {
			t.all = true
			t.partitions = make(map[int]bool)
			continue
		}
		for _, p := range e.Partitions {
			t.partitions[p] = true
		}
	}
}

// Resume removes the given partitions from the paused set for each entry;
// an entry with no Partitions clears all=true and the whole partition set.
//
// Resuming specific partitions of a topic currently paused with all=true
// fails with a *NonRetriableError: the set of originally-subscribed
// partitions is not tracked here, so which partitions should remain paused
// after a selective resume is ambiguous (see DESIGN.md's Open Question
// decision).
func (s *SubscriptionState) Resume(entries []PauseEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		t := s.entry(e.Topic)

		if len(e.Partitions) == 0 {
			t.all = false
			t.partitions = make(map[int]bool)
			continue
		}

		if t.all {
			return nonRetriable("cannot selectively resume partitions of topic %q: it is fully paused and the original subscription is not tracked here", e.Topic)
		}

		for _, p := range e.Partitions {
			delete(t.partitions, p)
		}
	}

	return nil
}

// Paused returns a snapshot of every topic that has at least one paused
// partition or is paused entirely.
func (s *SubscriptionState) Paused() []PausedTopic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PausedTopic, 0, len(s.topics))
	for topic, t := range s.topics {
		if !t.all && len(t.partitions) == 0 {
			continue
		}
		partitions := make([]int, 0, len(t.partitions))
		for p := range t.partitions {
			partitions = append(partitions, p)
		}
		out = append(out, PausedTopic{Topic: topic, Partitions: partitions, All: t.all})
	}
	return out
}

// IsPaused reports whether the given topic-partition is currently paused,
// either because the whole topic is paused or because that partition is
// individually paused.
func (s *SubscriptionState) IsPaused(topic string, partition int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topics[topic]
	if !ok {
		return false
	}
	return t.all || t.partitions[partition]
}
