package ot

// TransformCursor moves a caret offset through op.
// An insert at or before the cursor pushes it right. A delete before the
// cursor pulls it left, and one that straddles it collapses it to the delete's start.
func TransformCursor(cursor int, op Operation) int {
	switch op.Type {
	case Insert:
		if op.Index <= cursor {
			return cursor + op.Len()
		}
	case Delete:
		switch {
		case cursor <= op.Index:
		case cursor >= op.End():
			return cursor - op.Length
		default:
			return op.Index
		}
	}

	return cursor
}
