package consumer

import (
	"github.com/google/uuid"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
)

// BuildBatch reconciles a batch of envelopes into a single write set:
//   - events are deduplicated by event id, first occurrence wins
//   - locations are collected once per (country, city)
//   - users are collected once per external id, the latest occurrence wins
//   - each engagement row gets a fresh id, referenced by exactly one event
func BuildBatch(source domain.Source, envelopes []*Envelope) *repository.Batch {
	batch := &repository.Batch{Source: source}

	seenEvents := make(map[string]struct{}, len(envelopes))
	seenLocations := make(map[domain.LocationKey]struct{})
	userIndex := make(map[string]int)

	for _, env := range envelopes {
		n := env.Normalized
		if n == nil {
			continue
		}
		if _, dup := seenEvents[n.Event.EventID]; dup {
			continue
		}
		seenEvents[n.Event.EventID] = struct{}{}

		if loc := n.User.Location; loc != nil {
			if _, ok := seenLocations[*loc]; !ok {
				seenLocations[*loc] = struct{}{}
				batch.Locations = append(batch.Locations, *loc)
			}
		}

		if idx, ok := userIndex[n.User.ExternalID]; ok {
			batch.Users[idx] = n.User
		} else {
			userIndex[n.User.ExternalID] = len(batch.Users)
			batch.Users = append(batch.Users, n.User)
		}

		event := n.Event
		event.EngagementTopID = nil
		event.EngagementBottomID = nil
		topRef, bottomRef := -1, -1

		if n.Engagement != nil {
			row := *n.Engagement
			row.ID = uuid.New()
			id := row.ID

			switch row.Stage {
			case domain.StageTop:
				topRef = len(batch.Top)
				batch.Top = append(batch.Top, row)
				event.EngagementTopID = &id
			case domain.StageBottom:
				bottomRef = len(batch.Bottom)
				batch.Bottom = append(batch.Bottom, row)
				event.EngagementBottomID = &id
			}
		}

		batch.Events = append(batch.Events, event)
		batch.TopRef = append(batch.TopRef, topRef)
		batch.BottomRef = append(batch.BottomRef, bottomRef)
	}

	return batch
}
