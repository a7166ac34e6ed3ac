package annotation

import (
	"encoding/json"
	"fmt"
)

const (
	updateFormatVersion = 1
	payloadTypeUpdate   = "update"
	payloadTypeState    = "state"
)

type opKind string

const (
	opAddHighlight     opKind = "add_highlight"
	opSetHighlightTag  opKind = "set_highlight_tag"
	opAddComment       opKind = "add_comment"
	opRemoveHighlight  opKind = "remove_highlight"
	opSetTagOrder      opKind = "set_tag_order"
	opSequenceInsert   opKind = "sequence_insert"
	opSequenceDelete   opKind = "sequence_delete"
	opSetClientMeta    opKind = "set_client_meta"
	opRemoveClientMeta opKind = "remove_client_meta"
)

const (
	sequenceNotes = "notes"
	sequenceDraft = "draft"
)

// stamp orders concurrent writes: higher Lamport clock wins, actor id breaks ties.
type stamp struct {
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
}

func (s stamp) newerThan(other stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock > other.Clock
	}
	return s.Actor > other.Actor
}

type highlightPayload struct {
	HighlightID      string           `json:"highlight_id"`
	DocumentID       string           `json:"document_id,omitempty"`
	Start            int              `json:"start"`
	End              int              `json:"end"`
	Tag              string           `json:"tag"`
	Author           string           `json:"author"`
	Text             string           `json:"text"`
	CreatedAtSeconds int64            `json:"created_at_s"`
	TagStamp         stamp            `json:"tag_stamp"`
	Comments         []commentPayload `json:"comments,omitempty"`
}

type commentPayload struct {
	CommentID        string `json:"comment_id"`
	HighlightID      string `json:"highlight_id"`
	Author           string `json:"author"`
	Text             string `json:"text"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	Stamp            stamp  `json:"stamp"`
}

type tagOrderPayload struct {
	Tag          string   `json:"tag"`
	HighlightIDs []string `json:"highlight_ids"`
	Stamp        stamp    `json:"stamp"`
}

type elementPayload struct {
	ElementID string            `json:"element_id"`
	Position  []int             `json:"position"`
	Text      string            `json:"text"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
}

type clientMetaPayload struct {
	ConnectionID string     `json:"connection_id"`
	Meta         ClientMeta `json:"meta"`
	Stamp        stamp      `json:"stamp"`
	Deleted      bool       `json:"deleted,omitempty"`
}

// docOp is the unit of replication. Every op carries a globally unique
// identifier so replicas can discard re-deliveries.
type docOp struct {
	OpID       string             `json:"op_id"`
	Kind       opKind             `json:"kind"`
	Stamp      stamp              `json:"stamp"`
	Highlight  *highlightPayload  `json:"highlight,omitempty"`
	Comment    *commentPayload    `json:"comment,omitempty"`
	TagOrder   *tagOrderPayload   `json:"tag_order,omitempty"`
	Sequence   string             `json:"sequence,omitempty"`
	Element    *elementPayload    `json:"element,omitempty"`
	ElementID  string             `json:"element_id,omitempty"`
	ClientMeta *clientMetaPayload `json:"client_meta,omitempty"`
	TargetID   string             `json:"target_id,omitempty"`
	Tag        string             `json:"tag,omitempty"`
}

type updateEnvelope struct {
	Type    string  `json:"type"`
	Version int     `json:"v"`
	Ops     []docOp `json:"ops"`
}

func encodeUpdate(ops []docOp) ([]byte, error) {
	return json.Marshal(updateEnvelope{Type: payloadTypeUpdate, Version: updateFormatVersion, Ops: ops})
}

func decodeUpdate(payload []byte) (updateEnvelope, error) {
	if len(payload) == 0 {
		return updateEnvelope{}, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var envelope updateEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return updateEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if envelope.Type != payloadTypeUpdate {
		return updateEnvelope{}, fmt.Errorf("%w: unexpected payload type %q", ErrMalformedUpdate, envelope.Type)
	}
	if envelope.Version != updateFormatVersion {
		return updateEnvelope{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, envelope.Version)
	}
	for _, operation := range envelope.Ops {
		if operation.OpID == "" {
			return updateEnvelope{}, fmt.Errorf("%w: missing op id", ErrMalformedUpdate)
		}
		if !knownOpKind(operation.Kind) {
			return updateEnvelope{}, fmt.Errorf("%w: unknown op kind %q", ErrMalformedUpdate, operation.Kind)
		}
	}
	return envelope, nil
}

func knownOpKind(kind opKind) bool {
	switch kind {
	case opAddHighlight, opSetHighlightTag, opAddComment, opRemoveHighlight,
		opSetTagOrder, opSequenceInsert, opSequenceDelete,
		opSetClientMeta, opRemoveClientMeta:
		return true
	default:
		return false
	}
}

// statePayload is the full-snapshot wire form. Client metadata is deliberately
// absent: presence is never persisted and never survives a handoff.
type statePayload struct {
	Type       string             `json:"type"`
	Version    int                `json:"v"`
	Clock      uint64             `json:"clock"`
	AppliedOps []string           `json:"applied_ops"`
	Removed    []string           `json:"removed"`
	Highlights []highlightPayload `json:"highlights"`
	TagOrders  []tagOrderPayload  `json:"tag_orders"`
	Notes      []elementPayload   `json:"notes"`
	Draft      []elementPayload   `json:"draft"`
}

func decodeState(payload []byte) (statePayload, error) {
	if len(payload) == 0 {
		return statePayload{}, fmt.Errorf("%w: empty payload", ErrMalformedState)
	}
	var snapshot statePayload
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return statePayload{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	if snapshot.Type != payloadTypeState {
		return statePayload{}, fmt.Errorf("%w: unexpected payload type %q", ErrMalformedState, snapshot.Type)
	}
	if snapshot.Version != updateFormatVersion {
		return statePayload{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedState, snapshot.Version)
	}
	return snapshot, nil
}
