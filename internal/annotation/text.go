package annotation

import (
	"sort"
	"strings"
)

const (
	positionBase    = 1 << 16
	positionInitial = positionBase / 2
)

// sequence is a Logoot-style replicated list of text elements. Elements are
// totally ordered by their dense position vector with the element id as a
// tiebreak, so concurrent inserts at the same spot converge on every replica.
// Deleted elements remain as tombstones to keep later positions stable.
type sequence struct {
	elements []elementPayload
}

func newSequence() *sequence {
	return &sequence{}
}

func comparePositions(left elementPayload, right elementPayload) int {
	for depth := 0; depth < len(left.Position) || depth < len(right.Position); depth++ {
		leftDigit := 0
		if depth < len(left.Position) {
			leftDigit = left.Position[depth]
		}
		rightDigit := 0
		if depth < len(right.Position) {
			rightDigit = right.Position[depth]
		}
		if leftDigit != rightDigit {
			if leftDigit < rightDigit {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(left.ElementID, right.ElementID)
}

// positionBetween allocates a fresh position strictly between left and right.
// A nil left means the sequence start; a nil right means the sequence end.
func positionBetween(left []int, right []int) []int {
	position := make([]int, 0, len(left)+1)
	for depth := 0; ; depth++ {
		leftDigit := 0
		if depth < len(left) {
			leftDigit = left[depth]
		}
		rightDigit := positionBase
		if right != nil && depth < len(right) {
			rightDigit = right[depth]
		}
		if rightDigit-leftDigit > 1 {
			return append(position, leftDigit+(rightDigit-leftDigit)/2)
		}
		position = append(position, leftDigit)
		if rightDigit > leftDigit {
			// Strictly below the right bound from here on; only the left
			// bound constrains deeper digits.
			right = nil
		}
	}
}

// insertIndex returns where element belongs in the ordered slice, or -1 when
// an element with the same id is already present.
func (s *sequence) insertIndex(element elementPayload) int {
	index := sort.Search(len(s.elements), func(i int) bool {
		return comparePositions(s.elements[i], element) >= 0
	})
	if index < len(s.elements) && s.elements[index].ElementID == element.ElementID {
		return -1
	}
	return index
}

func (s *sequence) apply(element elementPayload) bool {
	index := s.insertIndex(element)
	if index < 0 {
		return false
	}
	s.elements = append(s.elements, elementPayload{})
	copy(s.elements[index+1:], s.elements[index:])
	s.elements[index] = element
	return true
}

func (s *sequence) remove(elementID string) bool {
	for index := range s.elements {
		if s.elements[index].ElementID == elementID {
			if s.elements[index].Deleted {
				return false
			}
			s.elements[index].Deleted = true
			return true
		}
	}
	return false
}

// visible returns the live elements in order.
func (s *sequence) visible() []elementPayload {
	live := make([]elementPayload, 0, len(s.elements))
	for _, element := range s.elements {
		if !element.Deleted {
			live = append(live, element)
		}
	}
	return live
}

// positionAt computes a fresh position for inserting before visible index.
// Indexes past the end append after the last element.
func (s *sequence) positionAt(visibleIndex int) []int {
	live := s.visible()
	if visibleIndex < 0 {
		visibleIndex = 0
	}
	if visibleIndex > len(live) {
		visibleIndex = len(live)
	}
	var left, right []int
	if visibleIndex > 0 {
		left = live[visibleIndex-1].Position
	}
	if visibleIndex < len(live) {
		right = live[visibleIndex].Position
	}
	if left == nil && right == nil {
		return []int{positionInitial}
	}
	return positionBetween(left, right)
}

// elementIDAt returns the id of the visible element at index.
func (s *sequence) elementIDAt(visibleIndex int) (string, bool) {
	live := s.visible()
	if visibleIndex < 0 || visibleIndex >= len(live) {
		return "", false
	}
	return live[visibleIndex].ElementID, true
}

// text renders the live elements as a plain string.
func (s *sequence) text() string {
	var builder strings.Builder
	for _, element := range s.elements {
		if !element.Deleted {
			builder.WriteString(element.Text)
		}
	}
	return builder.String()
}

func (s *sequence) snapshot() []elementPayload {
	out := make([]elementPayload, len(s.elements))
	copy(out, s.elements)
	return out
}
