package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingField = errors.New("field is required")

// Event is a validated, source-tagged envelope as received by the gateway and
// carried on the log. Data holds one user variant and one engagement variant,
// both selected by Source and FunnelStage.
type Event struct {
	EventID     string      `json:"eventId" validate:"required"`
	Timestamp   string      `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Source      Source      `json:"source" validate:"required,oneof=facebook tiktok"`
	FunnelStage FunnelStage `json:"funnelStage" validate:"required,oneof=top bottom"`
	EventType   string      `json:"eventType" validate:"required"`
	Data        EventData   `json:"data" validate:"-"`
}

type EventData struct {
	User       User       `json:"user"`
	Engagement Engagement `json:"engagement"`
}

// User is implemented by the per-source user payloads only
type User interface {
	ExternalID() string
	userSource() Source
}

// Engagement is implemented by the per-source, per-stage engagement payloads only
type Engagement interface {
	Stage() FunnelStage
	engagementSource() Source
}

// DecodeError locates a structural problem in an event payload
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type eventWire struct {
	EventID     string    `json:"eventId"`
	Timestamp   string    `json:"timestamp"`
	Source      string    `json:"source"`
	FunnelStage string    `json:"funnelStage"`
	EventType   string    `json:"eventType"`
	Data        *dataWire `json:"data"`
}

type dataWire struct {
	User       json.RawMessage `json:"user"`
	Engagement json.RawMessage `json:"engagement"`
}

// DecodeEvent parses a single event. The payload variants are picked from the
// source and funnelStage tags, never from which fields happen to be present.
func DecodeEvent(b []byte) (*Event, error) {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, &DecodeError{Err: describeJSONError(err)}
	}

	source, err := ParseSource(w.Source)
	if err != nil {
		return nil, &DecodeError{Path: "source", Err: err}
	}
	stage, err := ParseFunnelStage(w.FunnelStage)
	if err != nil {
		return nil, &DecodeError{Path: "funnelStage", Err: err}
	}
	if w.Data == nil {
		return nil, &DecodeError{Path: "data", Err: ErrMissingField}
	}

	user, err := decodeUser(source, w.Data.User)
	if err != nil {
		return nil, err
	}
	engagement, err := decodeEngagement(source, stage, w.Data.Engagement)
	if err != nil {
		return nil, err
	}

	return &Event{
		EventID:     w.EventID,
		Timestamp:   w.Timestamp,
		Source:      source,
		FunnelStage: stage,
		EventType:   w.EventType,
		Data: EventData{
			User:       user,
			Engagement: engagement,
		},
	}, nil
}

func (e *Event) UnmarshalJSON(b []byte) error {
	decoded, err := DecodeEvent(b)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

func decodeUser(source Source, raw json.RawMessage) (User, error) {
	if isNull(raw) {
		return nil, &DecodeError{Path: "data.user", Err: ErrMissingField}
	}

	var user User
	switch source {
	case SourceFacebook:
		user = &FacebookUser{}
	case SourceTiktok:
		user = &TiktokUser{}
	default:
		return nil, &DecodeError{Path: "source", Err: ErrUnknownSource}
	}

	if err := json.Unmarshal(raw, user); err != nil {
		return nil, &DecodeError{Path: jsonErrorPath("data.user", err), Err: describeJSONError(err)}
	}
	return user, nil
}

func decodeEngagement(source Source, stage FunnelStage, raw json.RawMessage) (Engagement, error) {
	if isNull(raw) {
		return nil, &DecodeError{Path: "data.engagement", Err: ErrMissingField}
	}

	var engagement Engagement
	switch {
	case source == SourceFacebook && stage == StageTop:
		engagement = &FacebookTopEngagement{}
	case source == SourceFacebook && stage == StageBottom:
		engagement = &FacebookBottomEngagement{}
	case source == SourceTiktok && stage == StageTop:
		engagement = &TiktokTopEngagement{}
	case source == SourceTiktok && stage == StageBottom:
		engagement = &TiktokBottomEngagement{}
	default:
		return nil, &DecodeError{Path: "funnelStage", Err: ErrUnknownFunnelStage}
	}

	if err := json.Unmarshal(raw, engagement); err != nil {
		return nil, &DecodeError{Path: jsonErrorPath("data.engagement", err), Err: describeJSONError(err)}
	}
	return engagement, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func jsonErrorPath(prefix string, err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return prefix + "." + typeErr.Field
	}
	return prefix
}

func describeJSONError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Errorf("expected %s, got %s", typeErr.Type.Kind(), typeErr.Value)
	}
	return err
}
