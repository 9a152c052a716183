package ot

// Transform rewrites a so that it can be applied after b, where a and b were
// both generated against the same text. The result has the same intended
// effect a had before b was applied.
//
// Concurrent inserts at the same index are ordered by their text: the
// lexicographically smaller text ends up first. Two identical inserts collapse
// into one, so the transformed copy becomes an empty insert.
//
// An insert that lands strictly inside a concurrently deleted range is
// swallowed, matching the delete side, which grows to cover the inserted text.
func Transform(a, b Operation) Operation {
	switch a.Type {
	case Insert:
		switch b.Type {
		case Insert:
			return transformInsertInsert(a, b)
		case Delete:
			return transformInsertDelete(a, b)
		}
	case Delete:
		switch b.Type {
		case Insert:
			return transformDeleteInsert(a, b)
		case Delete:
			return transformDeleteDelete(a, b)
		}
	}

	return a
}

// TransformPair returns a transformed against b and b transformed against a.
func TransformPair(a, b Operation) (Operation, Operation) {
	return Transform(a, b), Transform(b, a)
}

// TransformAgainst folds op through history in order. The entries must be
// sorted by increasing revision, which is how History returns them.
func TransformAgainst(op Operation, history []HistoryEntry) Operation {
	for _, entry := range history {
		op = Transform(op, entry.Op)
	}

	return op
}

func transformInsertInsert(a, b Operation) Operation {
	switch {
	case a.Index < b.Index:
		return a
	case a.Index > b.Index:
		a.Index += b.Len()

		return a
	case a.Text < b.Text:
		return a
	case a.Text > b.Text:
		a.Index += b.Len()

		return a
	default:
		return NewInsert(a.Index, "")
	}
}

func transformInsertDelete(a, b Operation) Operation {
	switch {
	case a.Index <= b.Index:
		return a
	case a.Index >= b.End():
		a.Index -= b.Length

		return a
	default:
		return NewInsert(b.Index, "")
	}
}

func transformDeleteInsert(a, b Operation) Operation {
	switch {
	case a.End() <= b.Index:
		return a
	case a.Index >= b.Index:
		a.Index += b.Len()

		return a
	default:
		a.Length += b.Len()

		return a
	}
}

func transformDeleteDelete(a, b Operation) Operation {
	switch {
	case a.End() <= b.Index:
		return a
	case a.Index >= b.End():
		a.Index -= b.Length

		return a
	case b.Index <= a.Index && a.End() <= b.End():
		return NewDelete(b.Index, 0)
	case a.Index <= b.Index && b.End() <= a.End():
		a.Length -= b.Length

		return a
	}

	overlap := min(a.End(), b.End()) - max(a.Index, b.Index)
	length := max(a.Length-overlap, 0)

	if a.Index < b.Index {
		return NewDelete(a.Index, length)
	}

	return NewDelete(b.Index, length)
}
