package ot

import "fmt"

// Apply returns text with op applied.
// No-ops always succeed. Any other operation whose range falls outside
// [0, len(text)] is rejected with ErrOutOfRange and text is left untouched.
func Apply(text string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	if op.IsNoop() {
		return text, nil
	}

	runes := []rune(text)

	switch op.Type {
	case Insert:
		if op.Index > len(runes) {
			return "", fmt.Errorf("%w: insert at %d on text of length %d", ErrOutOfRange, op.Index, len(runes))
		}

		return string(runes[:op.Index]) + op.Text + string(runes[op.Index:]), nil
	case Delete:
		if op.End() > len(runes) {
			return "", fmt.Errorf("%w: delete [%d,%d) on text of length %d",
				ErrOutOfRange, op.Index, op.End(), len(runes))
		}

		return string(runes[:op.Index]) + string(runes[op.End():]), nil
	default:
		return "", fmt.Errorf("%w: unknown operation type %d", ErrInvalidPayload, int(op.Type))
	}
}

// ApplyAll applies ops in order, stopping at the first failure.
func ApplyAll(text string, ops ...Operation) (string, error) {
	var err error

	for i, op := range ops {
		text, err = Apply(text, op)
		if err != nil {
			return "", fmt.Errorf("op %d: %w", i, err)
		}
	}

	return text, nil
}
