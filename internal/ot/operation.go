package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Errors describing malformed or inapplicable operations.
var (
	ErrInvalidPayload = errors.New("invalid operation payload")
	ErrOutOfRange     = errors.New("operation out of range")
)

// OpType distinguishes the two primitive edits.
type OpType int

const (
	// Insert adds text at an index, shifting everything at or after it right.
	Insert OpType = iota + 1
	// Delete removes a run of characters starting at an index.
	Delete
)

// String returns the wire name of the operation type.
func (t OpType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type as "insert" or "delete".
func (t OpType) MarshalText() ([]byte, error) {
	switch t {
	case Insert, Delete:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("%w: unknown operation type %d", ErrInvalidPayload, int(t))
	}
}

// UnmarshalText decodes "insert" or "delete".
func (t *OpType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "insert":
		*t = Insert
	case "delete":
		*t = Delete
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidPayload, string(b))
	}

	return nil
}

// Operation is a single insert or delete against a flat text.
// Index and Length count Unicode code points, not bytes.
// Only Text is meaningful for inserts and only Length for deletes.
type Operation struct {
	Type   OpType
	Index  int
	Text   string
	Length int
}

// NewInsert creates an insert of text at index.
func NewInsert(index int, text string) Operation {
	return Operation{Type: Insert, Index: index, Text: text}
}

// NewDelete creates a delete of length characters starting at index.
func NewDelete(index, length int) Operation {
	return Operation{Type: Delete, Index: index, Length: length}
}

// IsInsert reports whether this is an insert.
func (o Operation) IsInsert() bool {
	return o.Type == Insert
}

// IsDelete reports whether this is a delete.
func (o Operation) IsDelete() bool {
	return o.Type == Delete
}

// Len is the number of characters the operation adds or removes.
func (o Operation) Len() int {
	if o.Type == Insert {
		return utf8.RuneCountInString(o.Text)
	}

	return o.Length
}

// End is the first index past the range a delete covers.
// For an insert it equals Index.
func (o Operation) End() int {
	if o.Type == Delete {
		return o.Index + o.Length
	}

	return o.Index
}

// IsNoop reports whether applying the operation leaves any text unchanged.
func (o Operation) IsNoop() bool {
	switch o.Type {
	case Insert:
		return o.Text == ""
	case Delete:
		return o.Length == 0
	default:
		return false
	}
}

// Validate checks the operation shape without reference to any text.
func (o Operation) Validate() error {
	if o.Index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidPayload, o.Index)
	}

	switch o.Type {
	case Insert:
		if o.Length != 0 {
			return fmt.Errorf("%w: insert carries a length", ErrInvalidPayload)
		}

		if !utf8.ValidString(o.Text) {
			return fmt.Errorf("%w: insert text is not valid UTF-8", ErrInvalidPayload)
		}
	case Delete:
		if o.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalidPayload, o.Length)
		}

		if o.Text != "" {
			return fmt.Errorf("%w: delete carries text", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %d", ErrInvalidPayload, int(o.Type))
	}

	return nil
}

// String renders the operation for logs.
func (o Operation) String() string {
	if o.Type == Delete {
		return fmt.Sprintf("delete(%d,%d)", o.Index, o.Length)
	}

	return fmt.Sprintf("%s(%d,%q)", o.Type, o.Index, o.Text)
}

type insertJSON struct {
	Type  OpType `json:"type"`
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type deleteJSON struct {
	Type   OpType `json:"type"`
	Index  int    `json:"index"`
	Length int    `json:"length"`
}

// MarshalJSON emits {type, index, text} for inserts and {type, index, length} for deletes.
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Type {
	case Insert:
		return json.Marshal(insertJSON{Type: o.Type, Index: o.Index, Text: o.Text})
	case Delete:
		return json.Marshal(deleteJSON{Type: o.Type, Index: o.Index, Length: o.Length})
	default:
		return nil, fmt.Errorf("%w: unknown operation type %d", ErrInvalidPayload, int(o.Type))
	}
}

// UnmarshalJSON decodes and validates an operation. Every failure wraps ErrInvalidPayload.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   *OpType `json:"type"`
		Index  *int    `json:"index"`
		Text   *string `json:"text"`
		Length *int    `json:"length"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return err
		}

		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if raw.Type == nil || raw.Index == nil {
		return fmt.Errorf("%w: type and index are required", ErrInvalidPayload)
	}

	var op Operation

	switch *raw.Type {
	case Insert:
		if raw.Text == nil || raw.Length != nil {
			return fmt.Errorf("%w: insert requires text and no length", ErrInvalidPayload)
		}

		op = NewInsert(*raw.Index, *raw.Text)
	case Delete:
		if raw.Length == nil || raw.Text != nil {
			return fmt.Errorf("%w: delete requires length and no text", ErrInvalidPayload)
		}

		op = NewDelete(*raw.Index, *raw.Length)
	}

	if err := op.Validate(); err != nil {
		return err
	}

	*o = op

	return nil
}
