package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
)

// fakeMessage records how a message was settled
type fakeMessage struct {
	mu           sync.Mutex
	data         []byte
	subject      string
	correlation  string
	numDelivered uint64
	ackErr       error

	acked  int
	naked  int
	termed int
}

func newFakeMessage(data string) *fakeMessage {
	return &fakeMessage{
		data:         []byte(data),
		subject:      "events.facebook",
		correlation:  "corr-1",
		numDelivered: 1,
	}
}

func (m *fakeMessage) Data() []byte          { return m.data }
func (m *fakeMessage) Subject() string       { return m.subject }
func (m *fakeMessage) CorrelationID() string { return m.correlation }
func (m *fakeMessage) NumDelivered() uint64  { return m.numDelivered }

func (m *fakeMessage) Ack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
	return m.ackErr
}

func (m *fakeMessage) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked++
	return nil
}

func (m *fakeMessage) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed++
	return nil
}

func (m *fakeMessage) counts() (acked, naked, termed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.naked, m.termed
}

// MockEventStore is a mock implementation of repository.EventStore
type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) WriteBatch(ctx context.Context, batch *repository.Batch) (*repository.WriteResult, error) {
	args := m.Called(ctx, batch)
	if fn, ok := args.Get(0).(func(context.Context, *repository.Batch) (*repository.WriteResult, error)); ok {
		return fn(ctx, batch)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.WriteResult), args.Error(1)
}

func (m *MockEventStore) InitSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockEventStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockEventStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockFactMirror is a mock implementation of repository.FactMirror
type MockFactMirror struct {
	mock.Mock
}

func (m *MockFactMirror) InsertFacts(ctx context.Context, events []domain.EventRecord) (int, error) {
	args := m.Called(ctx, events)
	return args.Int(0), args.Error(1)
}

func (m *MockFactMirror) InitSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockFactMirror) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockFactMirror) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockDeadLetterSink is a mock implementation of queue.DeadLetterSink
type MockDeadLetterSink struct {
	mock.Mock
}

func (m *MockDeadLetterSink) DeadLetter(ctx context.Context, dl queue.DeadLetter) error {
	args := m.Called(ctx, dl)
	return args.Error(0)
}

// MockSource is a mock implementation of Source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]queue.Message, error) {
	args := m.Called(ctx, batchSize, wait)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Message), args.Error(1)
}

func (m *MockSource) Consume(ctx context.Context, handler func(queue.Message)) error {
	args := m.Called(ctx, handler)
	return args.Error(0)
}

// MockRecorder is a mock implementation of metrics.Recorder
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) IncAccepted(n int)                    { m.Called(n) }
func (m *MockRecorder) IncProcessed(n int)                   { m.Called(n) }
func (m *MockRecorder) IncFailed(n int)                      { m.Called(n) }
func (m *MockRecorder) IncDeadLettered(n int)                { m.Called(n) }
func (m *MockRecorder) ObserveBatchDuration(d time.Duration) { m.Called(d) }

func newPermissiveRecorder() *MockRecorder {
	r := new(MockRecorder)
	r.On("IncAccepted", mock.Anything).Maybe()
	r.On("IncProcessed", mock.Anything).Maybe()
	r.On("IncFailed", mock.Anything).Maybe()
	r.On("IncDeadLettered", mock.Anything).Maybe()
	r.On("ObserveBatchDuration", mock.Anything).Maybe()
	return r
}

func facebookTopPayload(eventID, userID, country, city string) string {
	return fmt.Sprintf(`{
		"eventId": %q,
		"timestamp": "2025-06-01T10:00:00Z",
		"source": "facebook",
		"funnelStage": "top",
		"eventType": "ad.view",
		"data": {
			"user": {"userId": %q, "name": "Ann", "age": 31, "gender": "female", "location": {"country": %q, "city": %q}},
			"engagement": {"actionTime": "2025-06-01T09:59:00Z", "referrer": "newsfeed", "videoId": null}
		}
	}`, eventID, userID, country, city)
}

func facebookBottomPayload(eventID, userID, amount string) string {
	return fmt.Sprintf(`{
		"eventId": %q,
		"timestamp": "2025-06-01T10:05:00Z",
		"source": "facebook",
		"funnelStage": "bottom",
		"eventType": "checkout.complete",
		"data": {
			"user": {"userId": %q, "name": "Ann", "age": 31, "gender": "non-binary", "location": {"country": "DE", "city": "Berlin"}},
			"engagement": {"adId": "ad-1", "campaignId": "c-1", "clickPosition": "center", "device": "mobile", "browser": "Safari", "purchaseAmount": %q}
		}
	}`, eventID, userID, amount)
}

func tiktokTopPayload(eventID, userID string) string {
	return fmt.Sprintf(`{
		"eventId": %q,
		"timestamp": "2025-06-01T10:00:00Z",
		"source": "tiktok",
		"funnelStage": "top",
		"eventType": "video.view",
		"data": {
			"user": {"userId": %q, "username": "neo", "followers": 10},
			"engagement": {"watchTime": 12.5, "percentageWatched": 80, "device": "iOS", "country": "DE", "videoId": "v-1"}
		}
	}`, eventID, userID)
}

// envelopeFor decodes and normalizes payload the way the parser stage does
func envelopeFor(payload string) *Envelope {
	msg := newFakeMessage(payload)
	event, err := domain.DecodeEvent(msg.Data())
	if err != nil {
		panic(err)
	}
	normalized, err := domain.Normalize(event, msg.CorrelationID())
	if err != nil {
		panic(err)
	}
	return NewEnvelope(msg, event, normalized)
}
