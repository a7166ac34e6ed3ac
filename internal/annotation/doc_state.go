package annotation

import (
	"encoding/json"
	"sort"
)

// EncodeState serializes the full replicated state for persistence or a
// late-joiner handoff. Client metadata is excluded: presence only exists
// while a session is live.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	applied := d.applied.ToSlice()
	sort.Strings(applied)
	removed := d.removed.ToSlice()
	sort.Strings(removed)

	highlightIDs := make([]string, 0, len(d.highlights))
	for id := range d.highlights {
		highlightIDs = append(highlightIDs, id)
	}
	sort.Strings(highlightIDs)
	highlights := make([]highlightPayload, 0, len(highlightIDs))
	for _, id := range highlightIDs {
		highlights = append(highlights, d.highlightPayloadLocked(id))
	}

	tags := make([]string, 0, len(d.tagOrders))
	for tag := range d.tagOrders {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	tagOrders := make([]tagOrderPayload, 0, len(tags))
	for _, tag := range tags {
		tagOrders = append(tagOrders, d.tagOrders[tag])
	}

	return json.Marshal(statePayload{
		Type:       payloadTypeState,
		Version:    updateFormatVersion,
		Clock:      d.clock,
		AppliedOps: applied,
		Removed:    removed,
		Highlights: highlights,
		TagOrders:  tagOrders,
		Notes:      d.notes.snapshot(),
		Draft:      d.draft.snapshot(),
	})
}

func (d *Doc) highlightPayloadLocked(highlightID string) highlightPayload {
	state := d.highlights[highlightID]
	comments := make([]commentPayload, 0, len(state.comments))
	for _, comment := range state.comments {
		comments = append(comments, comment)
	}
	sort.Slice(comments, func(i, j int) bool {
		if comments[i].Stamp.Clock != comments[j].Stamp.Clock {
			return comments[i].Stamp.Clock < comments[j].Stamp.Clock
		}
		return comments[i].CommentID < comments[j].CommentID
	})
	return highlightPayload{
		HighlightID:      highlightID,
		DocumentID:       state.documentID,
		Start:            state.start,
		End:              state.end,
		Tag:              state.tag,
		Author:           state.author,
		Text:             state.text,
		CreatedAtSeconds: state.createdAtSeconds,
		TagStamp:         state.tagStamp,
		Comments:         comments,
	}
}

// ApplyState merges a serialized snapshot into this document. Applying the
// same snapshot twice is a no-op; merging snapshots from diverged replicas
// converges the same way update delivery would.
func (d *Doc) ApplyState(payload []byte) error {
	snapshot, err := decodeState(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if snapshot.Clock > d.clock {
		d.clock = snapshot.Clock
	}
	for _, opID := range snapshot.AppliedOps {
		d.applied.Add(opID)
	}
	for _, highlightID := range snapshot.Removed {
		if !d.removed.Contains(highlightID) {
			d.removed.Add(highlightID)
			delete(d.highlights, highlightID)
		}
	}
	for _, highlight := range snapshot.Highlights {
		d.mergeHighlight(highlight)
	}
	for _, order := range snapshot.TagOrders {
		d.mergeTagOrder(order)
	}
	mergeSequenceSnapshot(d.notes, snapshot.Notes)
	mergeSequenceSnapshot(d.draft, snapshot.Draft)
	return nil
}

func mergeSequenceSnapshot(target *sequence, elements []elementPayload) {
	for _, element := range elements {
		if !target.apply(element) && element.Deleted {
			target.remove(element.ElementID)
		}
	}
}
