package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

// Issue describes one offending field in a webhook request
type Issue struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeInvalidJSON      = "invalid_json"
	CodeInvalidType      = "invalid_type"
	CodeUnknownSource    = "unknown_source"
	CodeUnknownStage     = "unknown_funnel_stage"
	CodeUnknownEventType = "unknown_event_type"
)

// Validator checks events against the source-discriminated schema
type Validator struct {
	validate  *validator.Validate
	fullLimit int
}

// New returns a Validator. Batches longer than fullLimit only get their first
// and last element fully validated; the rest are decoded but not checked.
func New(fullLimit int) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		validate:  v,
		fullLimit: fullLimit,
	}
}

// ValidateBatch decodes every element and validates the ones selected for
// full validation. The returned slice is parallel to raw; entries are nil for
// unchecked elements that could not be decoded.
func (v *Validator) ValidateBatch(raw []json.RawMessage) ([]*domain.Event, []Issue) {
	events := make([]*domain.Event, len(raw))
	var issues []Issue

	for i, item := range raw {
		if !v.shouldFullyValidate(i, len(raw)) {
			if ev, err := domain.DecodeEvent(item); err == nil {
				events[i] = ev
			}
			continue
		}

		ev, eventIssues := v.ValidateEvent(item)
		for _, issue := range eventIssues {
			issue.Index = i
			issues = append(issues, issue)
		}
		events[i] = ev
	}

	return events, issues
}

func (v *Validator) shouldFullyValidate(i, n int) bool {
	if n <= v.fullLimit {
		return true
	}
	return i == 0 || i == n-1
}

// ValidateEvent decodes and fully validates a single event
func (v *Validator) ValidateEvent(raw json.RawMessage) (*domain.Event, []Issue) {
	ev, err := domain.DecodeEvent(raw)
	if err != nil {
		return nil, []Issue{decodeIssue(err)}
	}

	var issues []Issue
	issues = append(issues, v.structIssues("", ev)...)
	issues = append(issues, v.structIssues("data.user.", ev.Data.User)...)
	issues = append(issues, v.structIssues("data.engagement.", ev.Data.Engagement)...)

	if ev.EventType != "" && !domain.IsKnownEventType(ev.Source, ev.EventType) {
		issues = append(issues, Issue{
			Path:    "eventType",
			Code:    CodeUnknownEventType,
			Message: fmt.Sprintf("%q is not a %s event type", ev.EventType, ev.Source),
		})
	}

	if len(issues) > 0 {
		return nil, issues
	}
	return ev, nil
}

func (v *Validator) structIssues(prefix string, s any) []Issue {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return []Issue{{Path: strings.TrimSuffix(prefix, "."), Code: CodeInvalidType, Message: err.Error()}}
	}

	issues := make([]Issue, 0, len(validationErrs))
	for _, fe := range validationErrs {
		issues = append(issues, Issue{
			Path:    prefix + stripPrefix(fe.Namespace()),
			Code:    fe.Tag(),
			Message: describe(fe),
		})
	}
	return issues
}

func decodeIssue(err error) Issue {
	var decodeErr *domain.DecodeError
	if !errors.As(err, &decodeErr) {
		return Issue{Code: CodeInvalidJSON, Message: err.Error()}
	}

	issue := Issue{Path: decodeErr.Path, Message: decodeErr.Err.Error()}
	switch {
	case errors.Is(err, domain.ErrUnknownSource):
		issue.Code = CodeUnknownSource
	case errors.Is(err, domain.ErrUnknownFunnelStage):
		issue.Code = CodeUnknownStage
	case errors.Is(err, domain.ErrMissingField):
		issue.Code = "required"
	case decodeErr.Path == "":
		issue.Code = CodeInvalidJSON
	default:
		issue.Code = CodeInvalidType
	}
	return issue
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "datetime":
		return "must be an RFC 3339 timestamp"
	case "numeric":
		return "must be a numeric string"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// stripPrefix drops the root struct name from a validator namespace
func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
