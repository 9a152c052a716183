package ot

// Generate returns the operations that turn oldText into newText.
// The result holds at most one delete followed by at most one insert,
// both positioned after the longest common prefix.
func Generate(oldText, newText string) []Operation {
	if oldText == newText {
		return nil
	}

	a, b := []rune(oldText), []rune(newText)

	limit := min(len(a), len(b))

	prefix := 0
	for prefix < limit && a[prefix] == b[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < limit-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	var ops []Operation

	if removed := len(a) - suffix - prefix; removed > 0 {
		ops = append(ops, NewDelete(prefix, removed))
	}

	if inserted := b[prefix : len(b)-suffix]; len(inserted) > 0 {
		ops = append(ops, NewInsert(prefix, string(inserted)))
	}

	return ops
}
