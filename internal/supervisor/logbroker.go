package supervisor

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// maxClosedTopics bounds the finished executions remembered so that late
	// subscribers get a closed channel instead of waiting forever.
	maxClosedTopics = 1024
)

// LogEntry is one line of runner output or script logging.
type LogEntry struct {
	Seq   int    `json:"seq"`
	Level string `json:"level"`
	Line  string `json:"line"`
}

// LogBroker fans out the log entries of each execution to subscribers.
// It is safe for concurrent use.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
	closed []string
}

type logTopic struct {
	subs   map[int]chan LogEntry
	nextID int
	done   bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{topics: make(map[string]*logTopic)}
}

func (b *LogBroker) topic(executionID string) *logTopic {
	t, ok := b.topics[executionID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan LogEntry)}
		b.topics[executionID] = t
	}
	return t
}

// Subscribe returns a channel of entries for executionID and a function that
// cancels the subscription. The channel is closed when the execution ends,
// immediately so if it already has.
func (b *LogBroker) Subscribe(executionID string) (<-chan LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	ch := make(chan LogEntry, subscriberBufferSize)
	if t.done {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends e to every subscriber of executionID without blocking.
func (b *LogBroker) Publish(executionID string, e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok || t.done {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close ends the stream of executionID.
func (b *LogBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	if t.done {
		return
	}
	t.done = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}

	b.closed = append(b.closed, executionID)
	if len(b.closed) > maxClosedTopics {
		delete(b.topics, b.closed[0])
		b.closed = b.closed[1:]
	}
}
