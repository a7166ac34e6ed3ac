package annotation

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// Observer receives every applied update together with the origin tag of the
// connection that produced it. An empty origin marks a server-initiated
// mutation such as a template replay.
type Observer func(update []byte, origin string)

type highlightState struct {
	documentID       string
	start            int
	end              int
	tag              string
	tagStamp         stamp
	author           string
	text             string
	createdAtSeconds int64
	comments         map[string]commentPayload
}

// DocConfig describes optional knobs for a replicated document.
type DocConfig struct {
	Actor string
	Clock func() time.Time
}

// Doc is one workspace's replicated annotation document: highlight map,
// per-tag ordering, general notes, the response draft, and ephemeral client
// metadata. Concurrent updates from independent replicas commute, and
// re-applying a delivered update is a no-op.
type Doc struct {
	mu         sync.Mutex
	actor      string
	nextSeq    uint64
	clock      uint64
	wallClock  func() time.Time
	applied    mapset.Set[string]
	removed    mapset.Set[string]
	highlights map[string]*highlightState
	tagOrders  map[string]tagOrderPayload
	// pending holds ops whose target highlight has not arrived yet, keyed by
	// highlight id. They are not in the applied set, so a re-delivery after
	// the highlight lands still heals the replica.
	pending    map[string][]docOp
	notes      *sequence
	draft      *sequence
	clientMeta map[string]clientMetaPayload
	observers  map[int64]Observer
	observerID int64
}

// NewDoc constructs an empty replicated document.
func NewDoc(cfg DocConfig) *Doc {
	actor := cfg.Actor
	if actor == "" {
		actor = uuid.NewString()
	}
	wallClock := cfg.Clock
	if wallClock == nil {
		wallClock = time.Now
	}
	return &Doc{
		actor:      actor,
		wallClock:  wallClock,
		applied:    mapset.NewSet[string](),
		removed:    mapset.NewSet[string](),
		highlights: make(map[string]*highlightState),
		tagOrders:  make(map[string]tagOrderPayload),
		pending:    make(map[string][]docOp),
		notes:      newSequence(),
		draft:      newSequence(),
		clientMeta: make(map[string]clientMetaPayload),
		observers:  make(map[int64]Observer),
	}
}

// Observe registers a callback invoked synchronously after every applied
// mutation. The returned function unregisters it.
func (d *Doc) Observe(observer Observer) func() {
	d.mu.Lock()
	d.observerID++
	id := d.observerID
	d.observers[id] = observer
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Doc) tick() stamp {
	d.clock++
	return stamp{Clock: d.clock, Actor: d.actor}
}

func (d *Doc) newOpID() string {
	d.nextSeq++
	return d.actor + ":" + strconv.FormatUint(d.nextSeq, 10)
}

// commit applies locally created ops, encodes them, and notifies observers.
// Callers hold no lock.
func (d *Doc) commit(ops []docOp, origin string) ([]byte, error) {
	payload, err := encodeUpdate(ops)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	for _, operation := range ops {
		d.applyOp(operation)
	}
	observers := d.observerSnapshot()
	d.mu.Unlock()
	for _, observer := range observers {
		observer(payload, origin)
	}
	return payload, nil
}

func (d *Doc) observerSnapshot() []Observer {
	observers := make([]Observer, 0, len(d.observers))
	for _, observer := range d.observers {
		observers = append(observers, observer)
	}
	return observers
}

// AddHighlight records a tagged span over a document. It fails with
// ErrInvalidRange when start exceeds end; offsets are taken as-is otherwise
// since document content is immutable after creation.
func (d *Doc) AddHighlight(documentID string, start int, end int, tag string, text string, author string, origin string) (string, error) {
	if start > end {
		return "", fmt.Errorf("%w: start %d exceeds end %d", ErrInvalidRange, start, end)
	}
	if start < 0 {
		return "", fmt.Errorf("%w: negative start %d", ErrInvalidRange, start)
	}
	highlightID := uuid.NewString()
	d.mu.Lock()
	operation := docOp{
		OpID:  d.newOpID(),
		Kind:  opAddHighlight,
		Stamp: d.tick(),
		Highlight: &highlightPayload{
			HighlightID:      highlightID,
			DocumentID:       documentID,
			Start:            start,
			End:              end,
			Tag:              tag,
			Author:           author,
			Text:             text,
			CreatedAtSeconds: d.wallClock().UTC().Unix(),
			TagStamp:         stamp{Clock: d.clock, Actor: d.actor},
		},
	}
	d.mu.Unlock()
	if _, err := d.commit([]docOp{operation}, origin); err != nil {
		return "", err
	}
	return highlightID, nil
}

// UpdateHighlightTag moves a highlight to a new tag. It returns false when the
// highlight no longer exists, which is an expected race rather than an error.
func (d *Doc) UpdateHighlightTag(highlightID string, newTag string, origin string) bool {
	d.mu.Lock()
	state, ok := d.highlights[highlightID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	previousTag := state.tag
	ops := []docOp{{
		OpID:     d.newOpID(),
		Kind:     opSetHighlightTag,
		Stamp:    d.tick(),
		TargetID: highlightID,
		Tag:      newTag,
	}}
	ops = append(ops, d.tagOrderRewriteOpsLocked(highlightID, previousTag, newTag, -1)...)
	d.mu.Unlock()
	_, err := d.commit(ops, origin)
	return err == nil
}

// MoveHighlightToTag retags a highlight and places it at position within the
// target tag's ordering.
func (d *Doc) MoveHighlightToTag(highlightID string, fromTag string, toTag string, position int, origin string) bool {
	d.mu.Lock()
	if _, ok := d.highlights[highlightID]; !ok {
		d.mu.Unlock()
		return false
	}
	ops := []docOp{{
		OpID:     d.newOpID(),
		Kind:     opSetHighlightTag,
		Stamp:    d.tick(),
		TargetID: highlightID,
		Tag:      toTag,
	}}
	ops = append(ops, d.tagOrderRewriteOpsLocked(highlightID, fromTag, toTag, position)...)
	d.mu.Unlock()
	_, err := d.commit(ops, origin)
	return err == nil
}

// tagOrderRewriteOpsLocked emits whole-value replacements for the source and
// target tag orderings. The underlying list values are replaced wholesale so
// concurrent rewrites resolve by last-writer-wins.
func (d *Doc) tagOrderRewriteOpsLocked(highlightID string, fromTag string, toTag string, position int) []docOp {
	ops := make([]docOp, 0, 2)
	if fromTag != "" && fromTag != toTag {
		source := removeID(d.tagOrderIDsLocked(fromTag), highlightID)
		ops = append(ops, docOp{
			OpID:     d.newOpID(),
			Kind:     opSetTagOrder,
			Stamp:    d.tick(),
			TagOrder: &tagOrderPayload{Tag: fromTag, HighlightIDs: source, Stamp: stamp{Clock: d.clock, Actor: d.actor}},
		})
	}
	target := removeID(d.tagOrderIDsLocked(toTag), highlightID)
	if position < 0 || position > len(target) {
		position = len(target)
	}
	target = append(target[:position:position], append([]string{highlightID}, target[position:]...)...)
	ops = append(ops, docOp{
		OpID:     d.newOpID(),
		Kind:     opSetTagOrder,
		Stamp:    d.tick(),
		TagOrder: &tagOrderPayload{Tag: toTag, HighlightIDs: target, Stamp: stamp{Clock: d.clock, Actor: d.actor}},
	})
	return ops
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// AddComment appends a comment under a highlight. The returned ok is false
// when the highlight has been removed concurrently; the comment is dropped.
func (d *Doc) AddComment(highlightID string, author string, text string, origin string) (string, bool) {
	d.mu.Lock()
	if _, ok := d.highlights[highlightID]; !ok {
		d.mu.Unlock()
		return "", false
	}
	commentID := uuid.NewString()
	operation := docOp{
		OpID:  d.newOpID(),
		Kind:  opAddComment,
		Stamp: d.tick(),
		Comment: &commentPayload{
			CommentID:        commentID,
			HighlightID:      highlightID,
			Author:           author,
			Text:             text,
			CreatedAtSeconds: d.wallClock().UTC().Unix(),
			Stamp:            stamp{Clock: d.clock, Actor: d.actor},
		},
	}
	d.mu.Unlock()
	if _, err := d.commit([]docOp{operation}, origin); err != nil {
		return "", false
	}
	return commentID, true
}

// RemoveHighlight deletes a highlight and its comments. Removal wins over
// concurrent re-addition.
func (d *Doc) RemoveHighlight(highlightID string, origin string) bool {
	d.mu.Lock()
	if _, ok := d.highlights[highlightID]; !ok {
		d.mu.Unlock()
		return false
	}
	operation := docOp{
		OpID:     d.newOpID(),
		Kind:     opRemoveHighlight,
		Stamp:    d.tick(),
		TargetID: highlightID,
	}
	d.mu.Unlock()
	_, err := d.commit([]docOp{operation}, origin)
	return err == nil
}

// SetTagOrder replaces the ordered highlight list for a tag.
func (d *Doc) SetTagOrder(tag string, highlightIDs []string, origin string) {
	ids := make([]string, len(highlightIDs))
	copy(ids, highlightIDs)
	d.mu.Lock()
	operation := docOp{
		OpID:     d.newOpID(),
		Kind:     opSetTagOrder,
		Stamp:    d.tick(),
		TagOrder: &tagOrderPayload{Tag: tag, HighlightIDs: ids, Stamp: stamp{Clock: d.clock, Actor: d.actor}},
	}
	d.mu.Unlock()
	d.commit([]docOp{operation}, origin) //nolint:errcheck
}

// TagOrderFor returns the ordered highlight ids for a tag. Stale entries are
// filtered out and live highlights missing from the explicit ordering are
// appended in creation order, so a highlight never drops out of its group.
func (d *Doc) TagOrderFor(tag string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tagOrderIDsLocked(tag)
}

func (d *Doc) tagOrderIDsLocked(tag string) []string {
	seen := make(map[string]bool)
	ordered := make([]string, 0)
	if order, ok := d.tagOrders[tag]; ok {
		for _, id := range order.HighlightIDs {
			state, live := d.highlights[id]
			if live && state.tag == tag && !seen[id] {
				ordered = append(ordered, id)
				seen[id] = true
			}
		}
	}
	type rest struct {
		id        string
		createdAt int64
	}
	missing := make([]rest, 0)
	for id, state := range d.highlights {
		if state.tag == tag && !seen[id] {
			missing = append(missing, rest{id: id, createdAt: state.createdAtSeconds})
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].createdAt != missing[j].createdAt {
			return missing[i].createdAt < missing[j].createdAt
		}
		return missing[i].id < missing[j].id
	})
	for _, entry := range missing {
		ordered = append(ordered, entry.id)
	}
	return ordered
}

// Highlights returns every live highlight sorted by (document id, start).
func (d *Doc) Highlights() []Highlight {
	d.mu.Lock()
	defer d.mu.Unlock()
	highlights := make([]Highlight, 0, len(d.highlights))
	for id, state := range d.highlights {
		highlights = append(highlights, d.exportHighlightLocked(id, state))
	}
	sort.Slice(highlights, func(i, j int) bool {
		if highlights[i].DocumentID != highlights[j].DocumentID {
			return highlights[i].DocumentID < highlights[j].DocumentID
		}
		if highlights[i].Start != highlights[j].Start {
			return highlights[i].Start < highlights[j].Start
		}
		return highlights[i].HighlightID < highlights[j].HighlightID
	})
	return highlights
}

// HighlightByID returns a single live highlight.
func (d *Doc) HighlightByID(highlightID string) (Highlight, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.highlights[highlightID]
	if !ok {
		return Highlight{}, false
	}
	return d.exportHighlightLocked(highlightID, state), true
}

func (d *Doc) exportHighlightLocked(highlightID string, state *highlightState) Highlight {
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
	exported := Highlight{
		HighlightID:      highlightID,
		DocumentID:       state.documentID,
		Start:            state.start,
		End:              state.end,
		Tag:              state.tag,
		Author:           state.author,
		Text:             state.text,
		CreatedAtSeconds: state.createdAtSeconds,
		Comments:         make([]Comment, 0, len(comments)),
	}
	for _, comment := range comments {
		exported.Comments = append(exported.Comments, Comment{
			CommentID:        comment.CommentID,
			Author:           comment.Author,
			Text:             comment.Text,
			CreatedAtSeconds: comment.CreatedAtSeconds,
		})
	}
	return exported
}

// ApplyUpdate merges a remote delta. The payload is decoded in full before
// any op is applied, so a malformed update never partially applies.
func (d *Doc) ApplyUpdate(payload []byte, origin string) error {
	envelope, err := decodeUpdate(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	changed := false
	for _, operation := range envelope.Ops {
		if d.applyOp(operation) {
			changed = true
		}
	}
	observers := d.observerSnapshot()
	d.mu.Unlock()
	if !changed {
		return nil
	}
	for _, observer := range observers {
		observer(payload, origin)
	}
	return nil
}

// applyOp merges one op into local state and reports whether anything
// changed. Callers hold the lock.
func (d *Doc) applyOp(operation docOp) bool {
	if d.applied.Contains(operation.OpID) {
		return false
	}
	if d.bufferIfAwaitingHighlightLocked(operation) {
		return false
	}
	d.applied.Add(operation.OpID)
	if operation.Stamp.Clock > d.clock {
		d.clock = operation.Stamp.Clock
	}
	switch operation.Kind {
	case opAddHighlight:
		if operation.Highlight == nil {
			return false
		}
		return d.mergeHighlight(*operation.Highlight)
	case opSetHighlightTag:
		state, ok := d.highlights[operation.TargetID]
		if !ok {
			return false
		}
		if !operation.Stamp.newerThan(state.tagStamp) {
			return false
		}
		state.tag = operation.Tag
		state.tagStamp = operation.Stamp
		return true
	case opAddComment:
		if operation.Comment == nil {
			return false
		}
		state, ok := d.highlights[operation.Comment.HighlightID]
		if !ok {
			// Tombstoned target; remove-wins, the comment is dropped for good.
			return false
		}
		if _, exists := state.comments[operation.Comment.CommentID]; exists {
			return false
		}
		state.comments[operation.Comment.CommentID] = *operation.Comment
		return true
	case opRemoveHighlight:
		if d.removed.Contains(operation.TargetID) {
			return false
		}
		d.removed.Add(operation.TargetID)
		delete(d.pending, operation.TargetID)
		if _, ok := d.highlights[operation.TargetID]; ok {
			delete(d.highlights, operation.TargetID)
			return true
		}
		return true
	case opSetTagOrder:
		if operation.TagOrder == nil {
			return false
		}
		return d.mergeTagOrder(*operation.TagOrder)
	case opSequenceInsert:
		if operation.Element == nil {
			return false
		}
		return d.sequenceFor(operation.Sequence).apply(*operation.Element)
	case opSequenceDelete:
		return d.sequenceFor(operation.Sequence).remove(operation.ElementID)
	case opSetClientMeta:
		if operation.ClientMeta == nil {
			return false
		}
		return d.mergeClientMeta(*operation.ClientMeta)
	case opRemoveClientMeta:
		existing, ok := d.clientMeta[operation.TargetID]
		if ok && !operation.Stamp.newerThan(existing.Stamp) {
			return false
		}
		if !ok {
			// Record the removal so a stale set cannot resurrect the entry.
			d.clientMeta[operation.TargetID] = clientMetaPayload{ConnectionID: operation.TargetID, Stamp: operation.Stamp, Deleted: true}
			return false
		}
		existing.Deleted = true
		existing.Stamp = operation.Stamp
		d.clientMeta[operation.TargetID] = existing
		return true
	default:
		return false
	}
}

// bufferIfAwaitingHighlightLocked parks ops whose target highlight is neither
// live nor tombstoned, so out-of-order delivery does not lose them. Buffered
// ops stay out of the applied set until they take effect.
func (d *Doc) bufferIfAwaitingHighlightLocked(operation docOp) bool {
	var targetID string
	switch operation.Kind {
	case opAddComment:
		if operation.Comment == nil {
			return false
		}
		targetID = operation.Comment.HighlightID
	case opSetHighlightTag:
		targetID = operation.TargetID
	default:
		return false
	}
	if _, live := d.highlights[targetID]; live || d.removed.Contains(targetID) {
		return false
	}
	for _, buffered := range d.pending[targetID] {
		if buffered.OpID == operation.OpID {
			return true
		}
	}
	d.pending[targetID] = append(d.pending[targetID], operation)
	return true
}

func (d *Doc) drainPendingLocked(highlightID string) {
	ops, ok := d.pending[highlightID]
	if !ok {
		return
	}
	delete(d.pending, highlightID)
	for _, operation := range ops {
		d.applyOp(operation)
	}
}

func (d *Doc) mergeHighlight(payload highlightPayload) bool {
	if d.removed.Contains(payload.HighlightID) {
		return false
	}
	state, exists := d.highlights[payload.HighlightID]
	if !exists {
		state = &highlightState{
			documentID:       payload.DocumentID,
			start:            payload.Start,
			end:              payload.End,
			tag:              payload.Tag,
			tagStamp:         payload.TagStamp,
			author:           payload.Author,
			text:             payload.Text,
			createdAtSeconds: payload.CreatedAtSeconds,
			comments:         make(map[string]commentPayload),
		}
		d.highlights[payload.HighlightID] = state
		d.drainPendingLocked(payload.HighlightID)
	} else if payload.TagStamp.newerThan(state.tagStamp) {
		state.tag = payload.Tag
		state.tagStamp = payload.TagStamp
	}
	changed := !exists
	for _, comment := range payload.Comments {
		if _, ok := state.comments[comment.CommentID]; !ok {
			state.comments[comment.CommentID] = comment
			changed = true
		}
	}
	return changed
}

func (d *Doc) mergeTagOrder(payload tagOrderPayload) bool {
	existing, ok := d.tagOrders[payload.Tag]
	if ok && !payload.Stamp.newerThan(existing.Stamp) {
		return false
	}
	d.tagOrders[payload.Tag] = payload
	return true
}

func (d *Doc) mergeClientMeta(payload clientMetaPayload) bool {
	existing, ok := d.clientMeta[payload.ConnectionID]
	if ok && !payload.Stamp.newerThan(existing.Stamp) {
		return false
	}
	d.clientMeta[payload.ConnectionID] = payload
	return true
}

func (d *Doc) sequenceFor(name string) *sequence {
	if name == sequenceDraft {
		return d.draft
	}
	return d.notes
}
