package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocationKey is the natural key of a location row
type LocationKey struct {
	Country string
	City    string
}

// UserRecord is a user row keyed by its external id. Attributes are column
// values written on insert and overwritten on conflict.
type UserRecord struct {
	ExternalID string
	Location   *LocationKey
	Attributes map[string]any
}

// EngagementRecord is one stage-specific detail row. ID is assigned before insert.
type EngagementRecord struct {
	ID         uuid.UUID
	Stage      FunnelStage
	Attributes map[string]any
}

// EventRecord is the canonical fact row. At most one engagement id is set.
type EventRecord struct {
	EventID            string
	Source             Source
	Timestamp          time.Time
	FunnelStage        FunnelStage
	EventType          string
	UserExternalID     string
	EngagementTopID    *uuid.UUID
	EngagementBottomID *uuid.UUID
	CorrelationID      string
}

// Normalized is an event expanded into the rows it produces
type Normalized struct {
	Event      EventRecord
	User       UserRecord
	Engagement *EngagementRecord
}

// Normalize converts a decoded event into store rows. Errors returned here mean
// the payload can never be stored and should not be retried.
func Normalize(e *Event, correlationID string) (*Normalized, error) {
	ts, err := parseTime(e.Timestamp)
	if err != nil {
		return nil, &DecodeError{Path: "timestamp", Err: err}
	}

	user, err := normalizeUser(e.Data.User)
	if err != nil {
		return nil, err
	}
	engagement, err := normalizeEngagement(e.Data.Engagement)
	if err != nil {
		return nil, err
	}
	if engagement != nil && engagement.Stage != e.FunnelStage {
		return nil, &DecodeError{Path: "data.engagement", Err: fmt.Errorf("payload stage %s does not match funnelStage %s", engagement.Stage, e.FunnelStage)}
	}

	return &Normalized{
		Event: EventRecord{
			EventID:        e.EventID,
			Source:         e.Source,
			Timestamp:      ts,
			FunnelStage:    e.FunnelStage,
			EventType:      e.EventType,
			UserExternalID: user.ExternalID,
			CorrelationID:  correlationID,
		},
		User:       *user,
		Engagement: engagement,
	}, nil
}

func normalizeUser(u User) (*UserRecord, error) {
	switch u := u.(type) {
	case *FacebookUser:
		return &UserRecord{
			ExternalID: u.UserID,
			Location:   &LocationKey{Country: u.Location.Country, City: u.Location.City},
			Attributes: map[string]any{
				"name":   derefString(u.Name),
				"age":    derefInt(u.Age),
				"gender": storedGender(u.Gender),
			},
		}, nil
	case *TiktokUser:
		return &UserRecord{
			ExternalID: u.UserID,
			Attributes: map[string]any{
				"username":  derefString(u.Username),
				"followers": derefInt64(u.Followers),
			},
		}, nil
	default:
		return nil, &DecodeError{Path: "data.user", Err: fmt.Errorf("unsupported user payload %T", u)}
	}
}

func normalizeEngagement(e Engagement) (*EngagementRecord, error) {
	switch e := e.(type) {
	case nil:
		return nil, nil
	case *FacebookTopEngagement:
		actionTime, err := parseTime(e.ActionTime)
		if err != nil {
			return nil, &DecodeError{Path: "data.engagement.actionTime", Err: err}
		}
		return &EngagementRecord{Stage: StageTop, Attributes: map[string]any{
			"action_time": actionTime,
			"referrer":    e.Referrer,
			"video_id":    nullable(e.VideoID),
		}}, nil
	case *FacebookBottomEngagement:
		amount, err := ParsePurchaseAmount(e.PurchaseAmount)
		if err != nil {
			return nil, &DecodeError{Path: "data.engagement.purchaseAmount", Err: err}
		}
		return &EngagementRecord{Stage: StageBottom, Attributes: map[string]any{
			"ad_id":           e.AdID,
			"campaign_id":     e.CampaignID,
			"click_position":  e.ClickPosition,
			"device":          e.Device,
			"browser":         e.Browser,
			"purchase_amount": nullable(amount),
		}}, nil
	case *TiktokTopEngagement:
		return &EngagementRecord{Stage: StageTop, Attributes: map[string]any{
			"watch_time":         derefFloat(e.WatchTime),
			"percentage_watched": derefFloat(e.PercentageWatched),
			"device":             e.Device,
			"country":            derefString(e.Country),
			"video_id":           e.VideoID,
		}}, nil
	case *TiktokBottomEngagement:
		actionTime, err := parseTime(e.ActionTime)
		if err != nil {
			return nil, &DecodeError{Path: "data.engagement.actionTime", Err: err}
		}
		amount, err := ParsePurchaseAmount(e.PurchaseAmount)
		if err != nil {
			return nil, &DecodeError{Path: "data.engagement.purchaseAmount", Err: err}
		}
		return &EngagementRecord{Stage: StageBottom, Attributes: map[string]any{
			"action_time":     actionTime,
			"profile_id":      nullable(e.ProfileID),
			"purchased_item":  nullable(e.PurchasedItem),
			"purchase_amount": nullable(amount),
		}}, nil
	default:
		return nil, &DecodeError{Path: "data.engagement", Err: fmt.Errorf("unsupported engagement payload %T", e)}
	}
}

// ParsePurchaseAmount converts the textual amount to a number. Null and empty
// values stay null.
func ParsePurchaseAmount(s *string) (*float64, error) {
	if s == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil, fmt.Errorf("purchase amount %q is not numeric", *s)
	}
	return &v, nil
}

func storedGender(g string) string {
	if g == "non-binary" {
		return "non_binary"
	}
	return g
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

// nullable turns a nil pointer into an untyped nil so SQL builders emit NULL
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
