package annotation

import (
	"strings"
	"testing"
)

func TestPositionBetweenStaysWithinBounds(t *testing.T) {
	cases := []struct {
		name  string
		left  []int
		right []int
	}{
		{name: "open start", left: nil, right: []int{3}},
		{name: "open end", left: []int{60000}, right: nil},
		{name: "wide gap", left: []int{100}, right: []int{50000}},
		{name: "adjacent digits", left: []int{40000}, right: []int{40001}},
		{name: "shared prefix", left: []int{40000}, right: []int{40000, 3}},
		{name: "deep left bound", left: []int{40000, 65535}, right: []int{40001}},
	}
	for _, testCase := range cases {
		allocated := positionBetween(testCase.left, testCase.right)
		element := elementPayload{ElementID: "m", Position: allocated}
		if testCase.left != nil {
			leftElement := elementPayload{ElementID: "l", Position: testCase.left}
			if comparePositions(leftElement, element) >= 0 {
				t.Fatalf("%s: allocated %v not above left bound %v", testCase.name, allocated, testCase.left)
			}
		}
		if testCase.right != nil {
			rightElement := elementPayload{ElementID: "r", Position: testCase.right}
			if comparePositions(element, rightElement) >= 0 {
				t.Fatalf("%s: allocated %v not below right bound %v", testCase.name, allocated, testCase.right)
			}
		}
	}
}

func TestPositionBetweenSupportsRepeatedSplitting(t *testing.T) {
	// Repeatedly insert between the same neighbors; every allocation must
	// stay strictly ordered no matter how narrow the gap becomes.
	left := []int{positionInitial}
	right := []int{positionInitial + 1}
	for i := 0; i < 64; i++ {
		middle := positionBetween(left, right)
		leftElement := elementPayload{ElementID: "l", Position: left}
		middleElement := elementPayload{ElementID: "m", Position: middle}
		rightElement := elementPayload{ElementID: "r", Position: right}
		if comparePositions(leftElement, middleElement) >= 0 || comparePositions(middleElement, rightElement) >= 0 {
			t.Fatalf("iteration %d: %v not strictly between %v and %v", i, middle, left, right)
		}
		left = middle
	}
}

func TestNotesInsertAndDelete(t *testing.T) {
	doc := newTestDoc(t, "replica-a")

	doc.InsertNotes(0, "hello", "")
	doc.InsertNotes(5, " world", "")
	if doc.NotesText() != "hello world" {
		t.Fatalf("unexpected notes %q", doc.NotesText())
	}

	if !doc.DeleteNotes(5, "") {
		t.Fatalf("delete failed")
	}
	if doc.NotesText() != "helloworld" {
		t.Fatalf("unexpected notes after delete %q", doc.NotesText())
	}
	if doc.DeleteNotes(99, "") {
		t.Fatalf("expected delete past end to report false")
	}

	// Out-of-range insert indexes clamp instead of failing.
	doc.InsertNotes(-5, ">", "")
	doc.InsertNotes(999, "<", "")
	if doc.NotesText() != ">helloworld<" {
		t.Fatalf("unexpected notes after clamped inserts %q", doc.NotesText())
	}
}

func TestConcurrentNoteInsertsConverge(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	updatesA, stopA := captureUpdates(docA)
	docA.InsertNotes(0, "abc", "")
	stopA()
	updatesB, stopB := captureUpdates(docB)
	docB.InsertNotes(0, "xyz", "")
	stopB()

	mustApplyAll(t, docA, *updatesB)
	mustApplyAll(t, docB, *updatesA)

	if docA.NotesText() != docB.NotesText() {
		t.Fatalf("replicas diverged: %q vs %q", docA.NotesText(), docB.NotesText())
	}
	merged := docA.NotesText()
	if len(merged) != 6 {
		t.Fatalf("expected all six runes, got %q", merged)
	}
	if !containsSubsequence(merged, "abc") || !containsSubsequence(merged, "xyz") {
		t.Fatalf("merged text %q lost an insertion order", merged)
	}
}

func TestConcurrentInsertAndDeleteConverge(t *testing.T) {
	docA := newTestDoc(t, "replica-a")
	docB := newTestDoc(t, "replica-b")

	shared, stopShared := captureUpdates(docA)
	docA.InsertNotes(0, "abc", "")
	stopShared()
	mustApplyAll(t, docB, *shared)

	deletion, stopDeletion := captureUpdates(docA)
	if !docA.DeleteNotes(1, "") {
		t.Fatalf("delete failed")
	}
	stopDeletion()

	insertion, stopInsertion := captureUpdates(docB)
	docB.InsertNotes(1, "Z", "")
	stopInsertion()

	mustApplyAll(t, docA, *insertion)
	mustApplyAll(t, docB, *deletion)

	if docA.NotesText() != "aZc" || docB.NotesText() != "aZc" {
		t.Fatalf("expected aZc on both replicas, got %q and %q", docA.NotesText(), docB.NotesText())
	}
}

func TestDraftSpansCoalesceEqualAttributes(t *testing.T) {
	doc := newTestDoc(t, "replica-a")
	bold := map[string]string{"bold": "true"}

	doc.InsertDraft(0, "We ", nil, "")
	doc.InsertDraft(3, "object", bold, "")
	doc.InsertDraft(9, " strongly", nil, "")
	doc.InsertDraft(9, "!", bold, "")

	spans := doc.DraftSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d: %+v", len(spans), spans)
	}
	if spans[0].Text != "We " || spans[0].Attrs != nil {
		t.Fatalf("unexpected first span: %+v", spans[0])
	}
	if spans[1].Text != "object!" || spans[1].Attrs["bold"] != "true" {
		t.Fatalf("expected adjacent bold runs coalesced, got %+v", spans[1])
	}
	if spans[2].Text != " strongly" {
		t.Fatalf("unexpected third span: %+v", spans[2])
	}

	var rebuilt strings.Builder
	for _, span := range spans {
		rebuilt.WriteString(span.Text)
	}
	if rebuilt.String() != doc.DraftText() {
		t.Fatalf("plain mirror %q does not match spans %q", doc.DraftText(), rebuilt.String())
	}
}

func TestDraftDeleteSplitsSpan(t *testing.T) {
	doc := newTestDoc(t, "replica-a")
	doc.InsertDraft(0, "abcd", map[string]string{"italic": "true"}, "")
	if !doc.DeleteDraft(1, "") {
		t.Fatalf("delete failed")
	}
	if doc.DraftText() != "acd" {
		t.Fatalf("unexpected draft %q", doc.DraftText())
	}
	spans := doc.DraftSpans()
	if len(spans) != 1 || spans[0].Text != "acd" {
		t.Fatalf("expected single coalesced span, got %+v", spans)
	}
}

func containsSubsequence(haystack string, needle string) bool {
	index := 0
	for _, character := range haystack {
		if index < len(needle) && byte(character) == needle[index] {
			index++
		}
	}
	return index == len(needle)
}
