package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownSource      = errors.New("unknown source")
	ErrUnknownFunnelStage = errors.New("unknown funnel stage")
	ErrSourceMismatch     = errors.New("event source does not match subject")
)

// Source identifies the platform an event originates from
type Source string

const (
	SourceFacebook Source = "facebook"
	SourceTiktok   Source = "tiktok"
)

// Sources lists every source the pipeline accepts
var Sources = []Source{SourceFacebook, SourceTiktok}

const subjectPrefix = "events."

func ParseSource(s string) (Source, error) {
	for _, src := range Sources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Subject returns the log subject events of this source are published on
func (s Source) Subject() string {
	return subjectPrefix + string(s)
}

// StreamName returns the per-source stream name, e.g. EVENTS_FACEBOOK
func (s Source) StreamName() string {
	return "EVENTS_" + strings.ToUpper(string(s))
}

// HasLocation reports whether users of this source carry a location
func (s Source) HasLocation() bool {
	return s == SourceFacebook
}

// FunnelStage classifies an event as early journey or conversion adjacent
type FunnelStage string

const (
	StageTop    FunnelStage = "top"
	StageBottom FunnelStage = "bottom"
)

func ParseFunnelStage(s string) (FunnelStage, error) {
	switch FunnelStage(s) {
	case StageTop, StageBottom:
		return FunnelStage(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFunnelStage, s)
}

var eventTypes = map[Source]map[FunnelStage][]string{
	SourceFacebook: {
		StageTop:    {"ad.view", "page.like", "comment", "video.view"},
		StageBottom: {"ad.click", "form.submission", "checkout.complete"},
	},
	SourceTiktok: {
		StageTop:    {"video.view", "like", "share", "comment"},
		StageBottom: {"profile.visit", "purchase", "follow"},
	},
}

// IsKnownEventType reports whether eventType belongs to the source's vocabulary.
// The stage is not consulted: any type of the source is accepted with either stage.
func IsKnownEventType(source Source, eventType string) bool {
	for _, types := range eventTypes[source] {
		for _, t := range types {
			if t == eventType {
				return true
			}
		}
	}
	return false
}
