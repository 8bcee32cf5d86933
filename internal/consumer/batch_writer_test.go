package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
)

func newTestBatchWriter(source *MockSource, store *MockEventStore, config BatchWriterConfig) *BatchWriter {
	log := zap.NewNop()
	recorder := newPermissiveRecorder()
	parser := NewParserStage(NewJSONEventParser(), new(MockDeadLetterSink), ParserStageConfig{
		Source:        domain.SourceFacebook,
		MaxDeliveries: 5,
	}, recorder, log)
	processor := NewBatchProcessor(domain.SourceFacebook, store, nil, recorder, log)
	return NewBatchWriter(source, parser, processor, config, recorder, log)
}

// feed makes the mocked subscription deliver msgs and then block until ctx is done
func feed(source *MockSource, msgs []queue.Message) {
	source.On("Consume", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		handler := args.Get(1).(func(queue.Message))
		for _, msg := range msgs {
			handler(msg)
		}
		<-ctx.Done()
	}).Return(nil).Once()
}

func testMessages(n int) []*fakeMessage {
	msgs := make([]*fakeMessage, n)
	for i := range msgs {
		msgs[i] = newFakeMessage(facebookTopPayload(fmt.Sprintf("e%d", i), "u1", "DE", "Berlin"))
	}
	return msgs
}

func asMessages(fakes []*fakeMessage) []queue.Message {
	msgs := make([]queue.Message, len(fakes))
	for i, m := range fakes {
		msgs[i] = m
	}
	return msgs
}

func allAcked(msgs []*fakeMessage) bool {
	for _, m := range msgs {
		if acked, _, _ := m.counts(); acked != 1 {
			return false
		}
	}
	return true
}

func TestBatchWriter_Start_BatchSizeThreshold(t *testing.T) {
	source := new(MockSource)
	store := new(MockEventStore)

	msgs := testMessages(3)
	feed(source, asMessages(msgs))

	store.On("WriteBatch", mock.Anything, mock.MatchedBy(func(b *repository.Batch) bool {
		return len(b.Events) == 3
	})).Return(&repository.WriteResult{Events: 3}, nil).Once()

	writer := newTestBatchWriter(source, store, BatchWriterConfig{
		MaxBatchSize: 3,
		FlushTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go writer.Start(ctx)

	assert.Eventually(t, func() bool { return allAcked(msgs) }, time.Second, 10*time.Millisecond)
	store.AssertExpectations(t)
}

func TestBatchWriter_Start_TimeoutFlush(t *testing.T) {
	source := new(MockSource)
	store := new(MockEventStore)

	msgs := testMessages(2)
	feed(source, asMessages(msgs))

	store.On("WriteBatch", mock.Anything, mock.Anything).Return(&repository.WriteResult{Events: 2}, nil)

	writer := newTestBatchWriter(source, store, BatchWriterConfig{
		MaxBatchSize: 10,
		FlushTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go writer.Start(ctx)

	assert.Eventually(t, func() bool { return allAcked(msgs) }, time.Second, 10*time.Millisecond)
	store.AssertExpectations(t)
}

func TestBatchWriter_Start_FinalFlushOnShutdown(t *testing.T) {
	source := new(MockSource)
	store := new(MockEventStore)

	msgs := testMessages(2)
	var delivered atomic.Bool
	source.On("Consume", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		handler := args.Get(1).(func(queue.Message))
		for _, msg := range msgs {
			handler(msg)
		}
		delivered.Store(true)
		<-ctx.Done()
	}).Return(nil).Once()

	store.On("WriteBatch", mock.Anything, mock.MatchedBy(func(b *repository.Batch) bool {
		return len(b.Events) == 2
	})).Return(&repository.WriteResult{Events: 2}, nil).Once()

	writer := newTestBatchWriter(source, store, BatchWriterConfig{
		MaxBatchSize: 10,
		FlushTimeout: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- writer.Start(ctx) }()

	require.Eventually(t, delivered.Load, time.Second, 5*time.Millisecond)
	// let the writer drain the queue before shutdown
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("batch writer did not stop")
	}

	assert.True(t, allAcked(msgs))
	store.AssertExpectations(t)
}

func TestBatchWriter_Start_SubscriptionError(t *testing.T) {
	source := new(MockSource)
	source.On("Consume", mock.Anything, mock.Anything).Return(errors.New("consumer deleted")).Once()

	writer := newTestBatchWriter(source, new(MockEventStore), BatchWriterConfig{
		MaxBatchSize: 10,
		FlushTimeout: time.Hour,
	})

	done := make(chan error, 1)
	go func() { done <- writer.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.EqualError(t, err, "consumer deleted")
	case <-time.After(2 * time.Second):
		t.Fatal("batch writer did not stop")
	}
}

func TestBatchWriter_Flush_FailureLeavesMessagesUnacked(t *testing.T) {
	store := new(MockEventStore)
	store.On("WriteBatch", mock.Anything, mock.Anything).Return(nil, errors.New("deadlock detected")).Once()

	writer := newTestBatchWriter(new(MockSource), store, BatchWriterConfig{
		MaxBatchSize: 10,
		FlushTimeout: time.Second,
	})

	msgs := testMessages(2)
	err := writer.Flush(context.Background(), asMessages(msgs))
	assert.Error(t, err)

	for _, m := range msgs {
		acked, naked, _ := m.counts()
		assert.Zero(t, acked)
		assert.Zero(t, naked)
	}
}

func TestBatchWriter_Flush_Empty(t *testing.T) {
	store := new(MockEventStore)
	writer := newTestBatchWriter(new(MockSource), store, BatchWriterConfig{
		MaxBatchSize: 10,
		FlushTimeout: time.Second,
	})

	assert.NoError(t, writer.Flush(context.Background(), nil))
	store.AssertNotCalled(t, "WriteBatch", mock.Anything, mock.Anything)
}
