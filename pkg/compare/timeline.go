package compare

import (
	"context"
	"time"

	"github.com/nainya/govlifecycle/pkg/version"
)

// TimelineEntry is a lightweight projection of one version for display.
type TimelineEntry struct {
	ID                string             `json:"id"`
	Number            version.Number     `json:"versionNumber"`
	State             version.State      `json:"lifecycleState"`
	CreatedBy         string             `json:"createdBy"`
	CreatedAt         time.Time          `json:"createdAt"`
	LastActor         string             `json:"lastActor"`
	LastActionAt      time.Time          `json:"lastActionAt"`
	ChangeType        version.ChangeType `json:"changeType"`
	ChangeDescription string             `json:"changeDescription,omitempty"`
	IsCurrent         bool               `json:"isCurrent"`
}

// Timeline lists a chain oldest first. It reads committed state only.
func (c *Comparator) Timeline(ctx context.Context, key version.ChainKey) ([]TimelineEntry, error) {
	history, err := c.reader.FindHistory(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, &version.NotFoundError{What: "chain", ID: key.String()}
	}

	entries := make([]TimelineEntry, 0, len(history))
	for _, v := range history {
		last := v.LastAction()
		entries = append(entries, TimelineEntry{
			ID:                v.ID,
			Number:            v.Number,
			State:             v.State,
			CreatedBy:         v.Created.ActorID,
			CreatedAt:         v.Created.At,
			LastActor:         last.ActorID,
			LastActionAt:      last.At,
			ChangeType:        v.ChangeType,
			ChangeDescription: v.ChangeDescription,
			IsCurrent:         v.State.IsCurrent(),
		})
	}
	return entries, nil
}
