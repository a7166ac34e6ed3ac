package annotation

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Unix(1700000000, 0)
}

func newTestDoc(t *testing.T, actor string) *Doc {
	t.Helper()
	return NewDoc(DocConfig{Actor: actor, Clock: fixedClock})
}

// captureUpdates records every update the document emits until stop is called.
func captureUpdates(doc *Doc) (updates *[][]byte, stop func()) {
	collected := make([][]byte, 0)
	unobserve := doc.Observe(func(update []byte, origin string) {
		buffered := make([]byte, len(update))
		copy(buffered, update)
		collected = append(collected, buffered)
	})
	return &collected, unobserve
}

func mustApplyAll(t *testing.T, doc *Doc, updates [][]byte) {
	t.Helper()
	for _, update := range updates {
		if err := doc.ApplyUpdate(update, "remote"); err != nil {
			t.Fatalf("apply update failed: %v", err)
		}
	}
}

func mustEncodeState(t *testing.T, doc *Doc) []byte {
	t.Helper()
	state, err := doc.EncodeState()
	if err != nil {
		t.Fatalf("encode state failed: %v", err)
	}
	return state
}

func TestAddHighlightRejectsInvalidRange(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	if _, err := doc.AddHighlight("doc-1", 10, 4, "claims", "text", "ada", ""); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for start > end, got %v", err)
	}
	if _, err := doc.AddHighlight("doc-1", -1, 4, "claims", "text", "ada", ""); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for negative start, got %v", err)
	}
	if len(doc.Highlights()) != 0 {
		t.Fatalf("expected no highlights after rejected adds, got %d", len(doc.Highlights()))
	}
}

func TestHighlightLifecycle(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	highlightID, err := doc.AddHighlight("doc-1", 0, 10, "jurisdiction", "the court finds", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	commentID, ok := doc.AddComment(highlightID, "ben", "key passage", "")
	if !ok {
		t.Fatalf("expected comment to attach to live highlight")
	}

	found, ok := doc.HighlightByID(highlightID)
	if !ok {
		t.Fatalf("expected highlight %s to exist", highlightID)
	}
	if found.Tag != "jurisdiction" || found.Start != 0 || found.End != 10 {
		t.Fatalf("unexpected highlight fields: %+v", found)
	}
	if len(found.Comments) != 1 || found.Comments[0].CommentID != commentID {
		t.Fatalf("expected one comment %s, got %+v", commentID, found.Comments)
	}

	if !doc.RemoveHighlight(highlightID, "") {
		t.Fatalf("expected removal of live highlight to succeed")
	}
	if _, ok := doc.HighlightByID(highlightID); ok {
		t.Fatalf("expected highlight to be gone after removal")
	}
	if _, ok := doc.AddComment(highlightID, "ben", "too late", ""); ok {
		t.Fatalf("expected comment on removed highlight to be dropped")
	}
}

func TestHighlightsSortedByDocumentAndStart(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	if _, err := doc.AddHighlight("doc-2", 5, 9, "evidence", "b", "ada", ""); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	if _, err := doc.AddHighlight("doc-1", 20, 25, "evidence", "c", "ada", ""); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	if _, err := doc.AddHighlight("doc-1", 3, 8, "claims", "a", "ada", ""); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}

	highlights := doc.Highlights()
	if len(highlights) != 3 {
		t.Fatalf("expected 3 highlights, got %d", len(highlights))
	}
	if highlights[0].DocumentID != "doc-1" || highlights[0].Start != 3 {
		t.Fatalf("unexpected first highlight: %+v", highlights[0])
	}
	if highlights[1].DocumentID != "doc-1" || highlights[1].Start != 20 {
		t.Fatalf("unexpected second highlight: %+v", highlights[1])
	}
	if highlights[2].DocumentID != "doc-2" {
		t.Fatalf("unexpected third highlight: %+v", highlights[2])
	}
}

func TestConcurrentEditsConvergeRegardlessOfDeliveryOrder(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	updatesA, stopA := captureUpdates(docA)
	highlightA, err := docA.AddHighlight("doc-1", 0, 10, "jurisdiction", "clause one", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	if _, ok := docA.AddComment(highlightA, "ada", "note this", ""); !ok {
		t.Fatalf("comment failed on live highlight")
	}
	docA.InsertNotes(0, "ab", "")
	stopA()

	updatesB, stopB := captureUpdates(docB)
	if _, err := docB.AddHighlight("doc-2", 5, 9, "evidence", "clause two", "ben", ""); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	docB.InsertNotes(0, "xy", "")
	stopB()

	// Cross-deliver in opposite orders; each replica still sees any single
	// origin's updates in order, which the transport guarantees.
	mustApplyAll(t, docA, *updatesB)
	mustApplyAll(t, docB, *updatesA)

	docC := newTestDoc(t, "replica-c")
	mustApplyAll(t, docC, *updatesA)
	mustApplyAll(t, docC, *updatesB)

	docD := newTestDoc(t, "replica-d")
	mustApplyAll(t, docD, *updatesB)
	mustApplyAll(t, docD, *updatesA)

	reference := mustEncodeState(t, docA)
	for name, replica := range map[string]*Doc{"b": docB, "c": docC, "d": docD} {
		if !bytes.Equal(reference, mustEncodeState(t, replica)) {
			t.Fatalf("replica %s diverged from reference state", name)
		}
	}
	if len(docA.Highlights()) != 2 {
		t.Fatalf("expected 2 highlights after merge, got %d", len(docA.Highlights()))
	}
	if notes := docA.NotesText(); len([]rune(notes)) != 4 {
		t.Fatalf("expected 4 merged note runes, got %q", notes)
	}
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	updates, stop := captureUpdates(docA)
	if _, err := docA.AddHighlight("doc-1", 1, 2, "claims", "x", "ada", ""); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	stop()

	mustApplyAll(t, docB, *updates)
	before := mustEncodeState(t, docB)

	notified := 0
	unobserve := docB.Observe(func(update []byte, origin string) {
		notified++
	})
	defer unobserve()

	mustApplyAll(t, docB, *updates)
	mustApplyAll(t, docB, *updates)

	if notified != 0 {
		t.Fatalf("expected no observer notifications for re-delivered updates, got %d", notified)
	}
	if !bytes.Equal(before, mustEncodeState(t, docB)) {
		t.Fatalf("state changed after re-delivery")
	}
}

func TestRemovalWinsOverConcurrentComment(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	setup, stopSetup := captureUpdates(docA)
	highlightID, err := docA.AddHighlight("doc-1", 0, 5, "claims", "x", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	stopSetup()
	mustApplyAll(t, docB, *setup)

	removal, stopRemoval := captureUpdates(docA)
	if !docA.RemoveHighlight(highlightID, "") {
		t.Fatalf("removal failed")
	}
	stopRemoval()

	comment, stopComment := captureUpdates(docB)
	if _, ok := docB.AddComment(highlightID, "ben", "concurrent remark", ""); !ok {
		t.Fatalf("expected comment to succeed before removal arrives")
	}
	stopComment()

	mustApplyAll(t, docA, *comment)
	mustApplyAll(t, docB, *removal)

	if _, ok := docA.HighlightByID(highlightID); ok {
		t.Fatalf("expected highlight removed on replica a")
	}
	if _, ok := docB.HighlightByID(highlightID); ok {
		t.Fatalf("expected highlight removed on replica b")
	}
	if !bytes.Equal(mustEncodeState(t, docA), mustEncodeState(t, docB)) {
		t.Fatalf("replicas diverged after remove/comment race")
	}
}

func TestCommentDeliveredBeforeHighlightStillAttaches(t *testing.T) {
	docA := newTestDoc(t, "replica-a")

	updates, stop := captureUpdates(docA)
	highlightID, err := docA.AddHighlight("doc-1", 0, 8, "claims", "opening clause", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	commentID, ok := docA.AddComment(highlightID, "ben", "early remark", "")
	if !ok {
		t.Fatalf("comment failed on live highlight")
	}
	stop()
	if len(*updates) != 2 {
		t.Fatalf("expected 2 captured updates, got %d", len(*updates))
	}
	highlightUpdate, commentUpdate := (*updates)[0], (*updates)[1]

	// Relayed out of order: the comment lands before its highlight exists.
	docB := newTestDoc(t, "replica-b")
	if err := docB.ApplyUpdate(commentUpdate, "remote"); err != nil {
		t.Fatalf("apply comment update failed: %v", err)
	}
	if _, ok := docB.HighlightByID(highlightID); ok {
		t.Fatalf("expected no highlight before its add arrives")
	}
	if err := docB.ApplyUpdate(highlightUpdate, "remote"); err != nil {
		t.Fatalf("apply highlight update failed: %v", err)
	}

	found, ok := docB.HighlightByID(highlightID)
	if !ok {
		t.Fatalf("expected highlight after permuted delivery")
	}
	if len(found.Comments) != 1 || found.Comments[0].CommentID != commentID {
		t.Fatalf("expected held comment to attach once the highlight arrived, got %+v", found.Comments)
	}
	if !bytes.Equal(mustEncodeState(t, docA), mustEncodeState(t, docB)) {
		t.Fatalf("replicas diverged after permuted delivery")
	}

	// Re-delivering the pair leaves the merged state untouched.
	before := mustEncodeState(t, docB)
	mustApplyAll(t, docB, [][]byte{commentUpdate, highlightUpdate})
	if !bytes.Equal(before, mustEncodeState(t, docB)) {
		t.Fatalf("state changed after re-delivery of permuted updates")
	}
}

func TestRetagDeliveredBeforeHighlightStillApplies(t *testing.T) {
	docA := newTestDoc(t, "replica-a")

	updates, stop := captureUpdates(docA)
	highlightID, err := docA.AddHighlight("doc-1", 2, 6, "claims", "venue clause", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	if !docA.MoveHighlightToTag(highlightID, "claims", "evidence", 0, "") {
		t.Fatalf("move to tag failed")
	}
	stop()
	if len(*updates) < 2 {
		t.Fatalf("expected add and retag updates, got %d", len(*updates))
	}

	docB := newTestDoc(t, "replica-b")
	for i := len(*updates) - 1; i >= 0; i-- {
		if err := docB.ApplyUpdate((*updates)[i], "remote"); err != nil {
			t.Fatalf("apply update failed: %v", err)
		}
	}

	found, ok := docB.HighlightByID(highlightID)
	if !ok {
		t.Fatalf("expected highlight after reversed delivery")
	}
	if found.Tag != "evidence" {
		t.Fatalf("expected retag to survive reversed delivery, got %q", found.Tag)
	}
	if !bytes.Equal(mustEncodeState(t, docA), mustEncodeState(t, docB)) {
		t.Fatalf("replicas diverged after reversed delivery")
	}
}

func TestRemovalDropsHeldCommentForGood(t *testing.T) {
	docA := newTestDoc(t, "replica-a")

	updates, stop := captureUpdates(docA)
	highlightID, err := docA.AddHighlight("doc-1", 0, 4, "claims", "x", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	if _, ok := docA.AddComment(highlightID, "ben", "short lived", ""); !ok {
		t.Fatalf("comment failed on live highlight")
	}
	if !docA.RemoveHighlight(highlightID, "") {
		t.Fatalf("removal failed")
	}
	stop()
	highlightUpdate, commentUpdate, removalUpdate := (*updates)[0], (*updates)[1], (*updates)[2]

	// Comment first, then the removal, then the add: the tombstone wins and
	// nothing resurrects.
	docB := newTestDoc(t, "replica-b")
	mustApplyAll(t, docB, [][]byte{commentUpdate, removalUpdate, highlightUpdate})

	if _, ok := docB.HighlightByID(highlightID); ok {
		t.Fatalf("expected tombstone to suppress the re-delivered add")
	}
	if !bytes.Equal(mustEncodeState(t, docA), mustEncodeState(t, docB)) {
		t.Fatalf("replicas diverged after removal race")
	}
}

func TestRemovalWinsOverSnapshotReaddition(t *testing.T) {
	docA := newTestDoc(t, "replica-a")

	setup, stopSetup := captureUpdates(docA)
	highlightID, err := docA.AddHighlight("doc-1", 0, 5, "claims", "x", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	stopSetup()
	if !docA.RemoveHighlight(highlightID, "") {
		t.Fatalf("removal failed")
	}

	// A replica that saw only the addition merges the remover's snapshot:
	// the tombstone must win.
	docC := newTestDoc(t, "replica-c")
	mustApplyAll(t, docC, *setup)
	if _, ok := docC.HighlightByID(highlightID); !ok {
		t.Fatalf("expected highlight present before snapshot merge")
	}
	if err := docC.ApplyState(mustEncodeState(t, docA)); err != nil {
		t.Fatalf("apply state failed: %v", err)
	}
	if _, ok := docC.HighlightByID(highlightID); ok {
		t.Fatalf("expected tombstone to suppress re-added highlight")
	}
}

func TestMalformedUpdatesLeaveStateUntouched(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	cases := map[string][]byte{
		"empty":        nil,
		"garbage":      []byte("not json"),
		"wrong type":   []byte(`{"type":"state","v":1,"ops":[]}`),
		"bad version":  []byte(`{"type":"update","v":9,"ops":[]}`),
		"missing id":   []byte(`{"type":"update","v":1,"ops":[{"kind":"add_highlight","stamp":{"clock":1,"actor":"x"},"highlight":{"highlight_id":"h1","start":0,"end":1}}]}`),
		"unknown kind": []byte(`{"type":"update","v":1,"ops":[{"op_id":"x:1","kind":"add_highlight","stamp":{"clock":1,"actor":"x"},"highlight":{"highlight_id":"h1","start":0,"end":1}},{"op_id":"x:2","kind":"reticulate","stamp":{"clock":2,"actor":"x"}}]}`),
	}
	for name, payload := range cases {
		if err := doc.ApplyUpdate(payload, "remote"); !errors.Is(err, ErrMalformedUpdate) {
			t.Fatalf("%s: expected ErrMalformedUpdate, got %v", name, err)
		}
	}
	// The unknown-kind envelope carried one valid op; none of it may apply.
	if len(doc.Highlights()) != 0 {
		t.Fatalf("expected no partial application of malformed update, got %d highlights", len(doc.Highlights()))
	}
}

func TestObserversReceiveOriginTags(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	updates, stop := captureUpdates(docA)
	if _, err := docA.AddHighlight("doc-1", 0, 1, "claims", "x", "ada", "conn-1"); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	stop()

	origins := make([]string, 0)
	unobserve := docB.Observe(func(update []byte, origin string) {
		origins = append(origins, origin)
	})
	for _, update := range *updates {
		if err := docB.ApplyUpdate(update, "conn-2"); err != nil {
			t.Fatalf("apply update failed: %v", err)
		}
	}
	unobserve()

	if len(origins) != 1 || origins[0] != "conn-2" {
		t.Fatalf("expected single notification tagged conn-2, got %v", origins)
	}

	// Unregistered observers stay silent.
	docB.InsertNotes(0, "z", "conn-3")
	if len(origins) != 1 {
		t.Fatalf("expected unregistered observer to stop receiving updates")
	}
}

func TestMoveHighlightToTagReordersBothGroups(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	first, err := doc.AddHighlight("doc-1", 0, 1, "claims", "a", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	second, err := doc.AddHighlight("doc-1", 2, 3, "claims", "b", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	third, err := doc.AddHighlight("doc-1", 4, 5, "evidence", "c", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}

	if !doc.MoveHighlightToTag(second, "claims", "evidence", 0, "") {
		t.Fatalf("move failed")
	}

	claims := doc.TagOrderFor("claims")
	if len(claims) != 1 || claims[0] != first {
		t.Fatalf("unexpected claims order: %v", claims)
	}
	evidence := doc.TagOrderFor("evidence")
	if len(evidence) != 2 || evidence[0] != second || evidence[1] != third {
		t.Fatalf("unexpected evidence order: %v", evidence)
	}

	moved, ok := doc.HighlightByID(second)
	if !ok || moved.Tag != "evidence" {
		t.Fatalf("expected highlight retagged to evidence, got %+v", moved)
	}
}

func TestTagOrderFiltersStaleEntriesAndAppendsMissing(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	first, err := doc.AddHighlight("doc-1", 0, 1, "claims", "a", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	second, err := doc.AddHighlight("doc-1", 2, 3, "claims", "b", "ada", "")
	if err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}

	// A stale ordering references a removed id and omits a live one. The
	// derived order must drop the former and keep the latter.
	doc.SetTagOrder("claims", []string{"gone-highlight", second}, "")

	order := doc.TagOrderFor("claims")
	if len(order) != 2 {
		t.Fatalf("expected both live highlights in order, got %v", order)
	}
	if order[0] != second || order[1] != first {
		t.Fatalf("expected explicit entry first then appended missing, got %v", order)
	}
}

func TestClientMetaReplicatesButNeverSnapshots(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	updates, stop := captureUpdates(docA)
	docA.SetClientMeta("conn-1", ClientMeta{Name: "Ada", Color: "#ff0000", CursorOffset: 7}, "conn-1")
	stop()

	mustApplyAll(t, docB, *updates)
	entries := docB.ClientMetaEntries()
	meta, ok := entries["conn-1"]
	if !ok {
		t.Fatalf("expected presence entry to replicate")
	}
	if meta.Name != "Ada" || meta.CursorOffset != 7 {
		t.Fatalf("unexpected presence payload: %+v", meta)
	}

	docC := newTestDoc(t, "replica-c")
	if err := docC.ApplyState(mustEncodeState(t, docA)); err != nil {
		t.Fatalf("apply state failed: %v", err)
	}
	if len(docC.ClientMetaEntries()) != 0 {
		t.Fatalf("expected presence excluded from snapshots")
	}

	removal, stopRemoval := captureUpdates(docA)
	docA.RemoveClientMeta("conn-1", "conn-1")
	stopRemoval()
	mustApplyAll(t, docB, *removal)
	if len(docB.ClientMetaEntries()) != 0 {
		t.Fatalf("expected presence entry removed")
	}

	// A removal that arrives before the set leaves a tombstone the stale set
	// cannot resurrect.
	docD := newTestDoc(t, "replica-d")
	mustApplyAll(t, docD, *removal)
	mustApplyAll(t, docD, *updates)
	if len(docD.ClientMetaEntries()) != 0 {
		t.Fatalf("expected tombstone to suppress out-of-order presence set")
	}
}

func TestSnapshotExchangeMergesDivergedReplicas(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	if _, err := docA.AddHighlight("doc-1", 0, 4, "claims", "a", "ada", ""); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	docA.InsertNotes(0, "left", "")
	if _, err := docB.AddHighlight("doc-2", 1, 2, "evidence", "b", "ben", ""); err != nil {
		t.Fatalf("add highlight failed: %v", err)
	}
	docB.InsertDraft(0, "draft", map[string]string{"bold": "true"}, "")

	stateA := mustEncodeState(t, docA)
	stateB := mustEncodeState(t, docB)
	if err := docA.ApplyState(stateB); err != nil {
		t.Fatalf("apply state failed: %v", err)
	}
	if err := docB.ApplyState(stateA); err != nil {
		t.Fatalf("apply state failed: %v", err)
	}

	if !bytes.Equal(mustEncodeState(t, docA), mustEncodeState(t, docB)) {
		t.Fatalf("replicas diverged after snapshot exchange")
	}
	if len(docA.Highlights()) != 2 {
		t.Fatalf("expected merged highlight set, got %d", len(docA.Highlights()))
	}
	if docA.NotesText() != "left" {
		t.Fatalf("expected notes preserved, got %q", docA.NotesText())
	}
	if docA.DraftText() != "draft" {
		t.Fatalf("expected draft merged, got %q", docA.DraftText())
	}

	// Re-applying the same snapshot is a no-op.
	merged := mustEncodeState(t, docA)
	if err := docA.ApplyState(merged); err != nil {
		t.Fatalf("apply state failed: %v", err)
	}
	if !bytes.Equal(merged, mustEncodeState(t, docA)) {
		t.Fatalf("snapshot reapplication changed state")
	}
}

func TestMalformedStateRejected(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	if err := doc.ApplyState([]byte("nope")); !errors.Is(err, ErrMalformedState) {
		t.Fatalf("expected ErrMalformedState, got %v", err)
	}
	if err := doc.ApplyState([]byte(`{"type":"update","v":1}`)); !errors.Is(err, ErrMalformedState) {
		t.Fatalf("expected ErrMalformedState for update payload, got %v", err)
	}
}

func TestWorkspaceAndDocumentIDValidation(t *testing.T) {
	if _, err := NewWorkspaceID("  "); !errors.Is(err, ErrInvalidWorkspaceID) {
		t.Fatalf("expected ErrInvalidWorkspaceID for blank input, got %v", err)
	}
	long := make([]byte, maxIdentifierLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewWorkspaceID(string(long)); !errors.Is(err, ErrInvalidWorkspaceID) {
		t.Fatalf("expected ErrInvalidWorkspaceID for oversized input, got %v", err)
	}
	if _, err := NewDocumentID(""); !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected ErrInvalidDocumentID for empty input, got %v", err)
	}

	workspaceID, err := NewWorkspaceID("  ws-1  ")
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if workspaceID.String() != "ws-1" {
		t.Fatalf("expected trimmed identifier, got %q", workspaceID.String())
	}
}
