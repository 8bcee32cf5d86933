package consumer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

func newTestParserStage(sink queue.DeadLetterSink, recorder *MockRecorder) *ParserStage {
	return NewParserStage(NewJSONEventParser(), sink, ParserStageConfig{
		Source:        domain.SourceFacebook,
		MaxDeliveries: 3,
	}, recorder, zap.NewNop())
}

func TestParserStage_Prepare_ValidMessages(t *testing.T) {
	sink := new(MockDeadLetterSink)
	stage := newTestParserStage(sink, new(MockRecorder))

	msgs := []queue.Message{
		newFakeMessage(facebookTopPayload("e1", "u1", "DE", "Berlin")),
		newFakeMessage(facebookBottomPayload("e2", "u1", "12.50")),
	}

	envelopes := stage.Prepare(context.Background(), msgs)

	require.Len(t, envelopes, 2)
	assert.Equal(t, "e1", envelopes[0].Event.EventID)
	assert.Equal(t, "corr-1", envelopes[0].Normalized.Event.CorrelationID)
	assert.Equal(t, "e2", envelopes[1].Event.EventID)
	sink.AssertNotCalled(t, "DeadLetter", mock.Anything, mock.Anything)
}

func TestParserStage_Prepare_InvalidJSONIsDeadLettered(t *testing.T) {
	sink := new(MockDeadLetterSink)
	recorder := new(MockRecorder)
	stage := newTestParserStage(sink, recorder)

	bad := newFakeMessage(`{"eventId": `)
	good := newFakeMessage(facebookTopPayload("e1", "u1", "DE", "Berlin"))

	sink.On("DeadLetter", mock.Anything, mock.MatchedBy(func(dl queue.DeadLetter) bool {
		return dl.Source == domain.SourceFacebook &&
			dl.CorrelationID == "corr-1" &&
			string(dl.Payload) == `{"eventId": ` &&
			strings.Contains(dl.Reason, "failed to decode event")
	})).Return(nil).Once()
	recorder.On("IncDeadLettered", 1).Once()

	envelopes := stage.Prepare(context.Background(), []queue.Message{bad, good})

	require.Len(t, envelopes, 1)
	assert.Equal(t, "e1", envelopes[0].Event.EventID)

	_, naked, termed := bad.counts()
	assert.Equal(t, 1, termed)
	assert.Zero(t, naked)

	sink.AssertExpectations(t)
	recorder.AssertExpectations(t)
}

func TestParserStage_Prepare_SourceMismatch(t *testing.T) {
	sink := new(MockDeadLetterSink)
	recorder := newPermissiveRecorder()
	stage := newTestParserStage(sink, recorder)

	msg := newFakeMessage(tiktokTopPayload("t1", "a"))

	sink.On("DeadLetter", mock.Anything, mock.MatchedBy(func(dl queue.DeadLetter) bool {
		return strings.Contains(dl.Reason, domain.ErrSourceMismatch.Error())
	})).Return(nil).Once()

	envelopes := stage.Prepare(context.Background(), []queue.Message{msg})

	assert.Empty(t, envelopes)
	_, _, termed := msg.counts()
	assert.Equal(t, 1, termed)
	sink.AssertExpectations(t)
}

func TestParserStage_Prepare_NonNumericAmountIsDeadLettered(t *testing.T) {
	sink := new(MockDeadLetterSink)
	stage := newTestParserStage(sink, newPermissiveRecorder())

	msg := newFakeMessage(facebookBottomPayload("e1", "u1", "twelve"))

	sink.On("DeadLetter", mock.Anything, mock.MatchedBy(func(dl queue.DeadLetter) bool {
		return strings.Contains(dl.Reason, "failed to normalize event e1")
	})).Return(nil).Once()

	envelopes := stage.Prepare(context.Background(), []queue.Message{msg})

	assert.Empty(t, envelopes)
	sink.AssertExpectations(t)
}

func TestParserStage_Prepare_MaxDeliveriesExceeded(t *testing.T) {
	sink := new(MockDeadLetterSink)
	stage := newTestParserStage(sink, newPermissiveRecorder())

	atLimit := newFakeMessage(facebookTopPayload("e1", "u1", "DE", "Berlin"))
	atLimit.numDelivered = 3
	overLimit := newFakeMessage(facebookTopPayload("e2", "u1", "DE", "Berlin"))
	overLimit.numDelivered = 4

	sink.On("DeadLetter", mock.Anything, mock.MatchedBy(func(dl queue.DeadLetter) bool {
		return dl.NumDelivered == 4
	})).Return(nil).Once()

	envelopes := stage.Prepare(context.Background(), []queue.Message{atLimit, overLimit})

	require.Len(t, envelopes, 1)
	assert.Equal(t, "e1", envelopes[0].Event.EventID)

	_, _, termed := overLimit.counts()
	assert.Equal(t, 1, termed)
	sink.AssertExpectations(t)
}

func TestParserStage_Prepare_SinkFailureNaksMessage(t *testing.T) {
	sink := new(MockDeadLetterSink)
	recorder := new(MockRecorder)
	stage := newTestParserStage(sink, recorder)

	msg := newFakeMessage(`not json`)
	sink.On("DeadLetter", mock.Anything, mock.Anything).Return(errors.New("sink unavailable")).Once()

	envelopes := stage.Prepare(context.Background(), []queue.Message{msg})

	assert.Empty(t, envelopes)
	_, naked, termed := msg.counts()
	assert.Equal(t, 1, naked)
	assert.Zero(t, termed)

	recorder.AssertNotCalled(t, "IncDeadLettered", mock.Anything)
	sink.AssertExpectations(t)
}

func TestJSONEventParser_Parse(t *testing.T) {
	parser := NewJSONEventParser()

	event, err := parser.Parse([]byte(tiktokTopPayload("t1", "a")))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceTiktok, event.Source)

	_, err = parser.Parse([]byte(`[]`))
	assert.Error(t, err)
}
