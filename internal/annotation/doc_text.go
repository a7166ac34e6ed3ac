package annotation

// InsertNotes inserts text into the general notes blob at the visible rune
// index. Out-of-range indexes clamp to the nearest end.
func (d *Doc) InsertNotes(index int, text string, origin string) {
	d.insertSequence(sequenceNotes, index, text, nil, origin)
}

// DeleteNotes removes the rune at the visible index from the general notes.
func (d *Doc) DeleteNotes(index int, origin string) bool {
	return d.deleteSequence(sequenceNotes, index, origin)
}

// InsertDraft inserts text into the response draft. Attrs carries rich-text
// attributes applied to every inserted rune (nil for plain text).
func (d *Doc) InsertDraft(index int, text string, attrs map[string]string, origin string) {
	d.insertSequence(sequenceDraft, index, text, attrs, origin)
}

// DeleteDraft removes the rune at the visible index from the response draft.
func (d *Doc) DeleteDraft(index int, origin string) bool {
	return d.deleteSequence(sequenceDraft, index, origin)
}

// NotesText renders the general notes as plain text.
func (d *Doc) NotesText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notes.text()
}

// DraftText renders the response draft's plain-text mirror. The mirror is a
// pure function of the draft sequence, so it can never drift from the rich
// fragment.
func (d *Doc) DraftText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draft.text()
}

func (d *Doc) insertSequence(name string, index int, text string, attrs map[string]string, origin string) {
	runes := []rune(text)
	if len(runes) == 0 {
		return
	}
	d.mu.Lock()
	seq := d.sequenceFor(name)
	live := seq.visible()
	if index < 0 {
		index = 0
	}
	if index > len(live) {
		index = len(live)
	}
	var left, right []int
	if index > 0 {
		left = live[index-1].Position
	}
	if index < len(live) {
		right = live[index].Position
	}
	ops := make([]docOp, 0, len(runes))
	for _, character := range runes {
		var position []int
		if left == nil && right == nil {
			position = []int{positionInitial}
		} else {
			position = positionBetween(left, right)
		}
		opID := d.newOpID()
		element := elementPayload{
			ElementID: opID,
			Position:  position,
			Text:      string(character),
			Attrs:     copyAttrs(attrs),
		}
		ops = append(ops, docOp{
			OpID:     opID,
			Kind:     opSequenceInsert,
			Stamp:    d.tick(),
			Sequence: name,
			Element:  &element,
		})
		left = position
	}
	d.mu.Unlock()
	d.commit(ops, origin) //nolint:errcheck
}

func (d *Doc) deleteSequence(name string, index int, origin string) bool {
	d.mu.Lock()
	elementID, ok := d.sequenceFor(name).elementIDAt(index)
	if !ok {
		d.mu.Unlock()
		return false
	}
	operation := docOp{
		OpID:      d.newOpID(),
		Kind:      opSequenceDelete,
		Stamp:     d.tick(),
		Sequence:  name,
		ElementID: elementID,
	}
	d.mu.Unlock()
	_, err := d.commit([]docOp{operation}, origin)
	return err == nil
}

// DraftSpan is a run of draft text sharing one rich-text attribute set.
type DraftSpan struct {
	Text  string
	Attrs map[string]string
}

// DraftSpans returns the response draft as attribute runs, coalescing
// adjacent runes with identical attributes.
func (d *Doc) DraftSpans() []DraftSpan {
	d.mu.Lock()
	defer d.mu.Unlock()
	spans := make([]DraftSpan, 0)
	for _, element := range d.draft.visible() {
		if count := len(spans); count > 0 && attrsEqual(spans[count-1].Attrs, element.Attrs) {
			spans[count-1].Text += element.Text
			continue
		}
		spans = append(spans, DraftSpan{Text: element.Text, Attrs: copyAttrs(element.Attrs)})
	}
	return spans
}

func attrsEqual(left map[string]string, right map[string]string) bool {
	if len(left) != len(right) {
		return false
	}
	for key, value := range left {
		if right[key] != value {
			return false
		}
	}
	return true
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for key, value := range attrs {
		out[key] = value
	}
	return out
}

// SetClientMeta publishes a connection's presence (name, color, cursor). The
// entry replicates through updates but is never persisted or cloned.
func (d *Doc) SetClientMeta(connectionID string, meta ClientMeta, origin string) {
	d.mu.Lock()
	operation := docOp{
		OpID:  d.newOpID(),
		Kind:  opSetClientMeta,
		Stamp: d.tick(),
		ClientMeta: &clientMetaPayload{
			ConnectionID: connectionID,
			Meta:         meta,
			Stamp:        stamp{Clock: d.clock, Actor: d.actor},
		},
	}
	d.mu.Unlock()
	d.commit([]docOp{operation}, origin) //nolint:errcheck
}

// RemoveClientMeta drops a connection's presence entry, typically on
// disconnect.
func (d *Doc) RemoveClientMeta(connectionID string, origin string) {
	d.mu.Lock()
	operation := docOp{
		OpID:     d.newOpID(),
		Kind:     opRemoveClientMeta,
		Stamp:    d.tick(),
		TargetID: connectionID,
	}
	d.mu.Unlock()
	d.commit([]docOp{operation}, origin) //nolint:errcheck
}

// ClientMetaEntries returns the live presence map keyed by connection id.
func (d *Doc) ClientMetaEntries() map[string]ClientMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make(map[string]ClientMeta, len(d.clientMeta))
	for connectionID, payload := range d.clientMeta {
		if payload.Deleted {
			continue
		}
		entries[connectionID] = payload.Meta
	}
	return entries
}
