package ot_test

import (
	"math/rand/v2"
	"testing"

	"github.com/serroba/collab-text/internal/ot"
	"github.com/stretchr/testify/require"
)

func TestTransform_Rules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b ot.Operation
		want ot.Operation
	}{
		{"insert before insert", ot.NewInsert(1, "x"), ot.NewInsert(3, "yy"), ot.NewInsert(1, "x")},
		{"insert after insert", ot.NewInsert(4, "x"), ot.NewInsert(3, "yy"), ot.NewInsert(6, "x")},
		{"tie smaller text stays", ot.NewInsert(2, "a"), ot.NewInsert(2, "b"), ot.NewInsert(2, "a")},
		{"tie larger text shifts", ot.NewInsert(2, "b"), ot.NewInsert(2, "a"), ot.NewInsert(3, "b")},
		{"identical inserts collapse", ot.NewInsert(2, "a"), ot.NewInsert(2, "a"), ot.NewInsert(2, "")},

		{"insert before delete", ot.NewInsert(2, "x"), ot.NewDelete(2, 3), ot.NewInsert(2, "x")},
		{"insert after delete", ot.NewInsert(6, "x"), ot.NewDelete(2, 3), ot.NewInsert(3, "x")},
		{"insert at delete end", ot.NewInsert(5, "x"), ot.NewDelete(2, 3), ot.NewInsert(2, "x")},
		{"insert inside delete", ot.NewInsert(3, "x"), ot.NewDelete(2, 3), ot.NewInsert(2, "")},

		{"delete before insert", ot.NewDelete(0, 2), ot.NewInsert(2, "xyz"), ot.NewDelete(0, 2)},
		{"delete after insert", ot.NewDelete(2, 2), ot.NewInsert(2, "xyz"), ot.NewDelete(5, 2)},
		{"insert inside delete grows it", ot.NewDelete(1, 3), ot.NewInsert(2, "xy"), ot.NewDelete(1, 5)},

		{"delete before delete", ot.NewDelete(0, 2), ot.NewDelete(2, 2), ot.NewDelete(0, 2)},
		{"delete after delete", ot.NewDelete(5, 2), ot.NewDelete(1, 3), ot.NewDelete(2, 2)},
		{"delete inside delete", ot.NewDelete(2, 1), ot.NewDelete(1, 3), ot.NewDelete(1, 0)},
		{"delete contains delete", ot.NewDelete(1, 4), ot.NewDelete(2, 2), ot.NewDelete(1, 2)},
		{"same range", ot.NewDelete(1, 3), ot.NewDelete(1, 3), ot.NewDelete(1, 0)},
		{"overlap starting first", ot.NewDelete(1, 3), ot.NewDelete(3, 3), ot.NewDelete(1, 2)},
		{"overlap starting second", ot.NewDelete(3, 3), ot.NewDelete(1, 3), ot.NewDelete(1, 2)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := ot.Transform(tc.a, tc.b); got != tc.want {
				t.Errorf("transform(%v, %v): expected %v, got %v", tc.a, tc.b, tc.want, got)
			}
		})
	}
}

func TestTransform_IdenticalOperations_AreNoops(t *testing.T) {
	t.Parallel()

	for _, op := range []ot.Operation{ot.NewInsert(3, "abc"), ot.NewDelete(1, 3)} {
		transformed := ot.Transform(op, op)
		if !transformed.IsNoop() {
			t.Errorf("transform(%v, %v) = %v, expected a no-op", op, op, transformed)
		}

		base, err := ot.Apply(testDocHello, op)
		require.NoError(t, err)

		got, err := ot.Apply(base, transformed)
		require.NoError(t, err)

		if got != base {
			t.Errorf("applying %v changed %q to %q", transformed, base, got)
		}
	}
}

func TestTransform_Convergence(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(42, 0))

	for i := 0; i < 20000; i++ {
		base := randomText(rng, 10)
		a := randomOp(rng, base)
		b := randomOp(rng, base)

		left := mustApply(t, mustApply(t, base, b), ot.Transform(a, b))
		right := mustApply(t, mustApply(t, base, a), ot.Transform(b, a))

		if left != right {
			t.Fatalf("diverged on %q with a=%v b=%v: %q vs %q", base, a, b, left, right)
		}
	}
}

func TestTransformAgainst_FoldsInOrder(t *testing.T) {
	t.Parallel()

	history := []ot.HistoryEntry{
		{Revision: 1, Op: ot.NewInsert(0, "ab")},
		{Revision: 2, Op: ot.NewDelete(0, 1)},
	}

	got := ot.TransformAgainst(ot.NewInsert(0, "z"), history)

	// "z" < "ab" is false, so it lands after "ab", then shifts back over the deleted "a".
	if got != ot.NewInsert(1, "z") {
		t.Errorf("expected insert(1,z), got %v", got)
	}
}

func TestTransformCursor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		cursor int
		op     ot.Operation
		want   int
	}{
		{"insert before", 5, ot.NewInsert(2, "abc"), 8},
		{"insert at cursor", 5, ot.NewInsert(5, "abc"), 8},
		{"insert after", 5, ot.NewInsert(6, "abc"), 5},
		{"delete before", 5, ot.NewDelete(1, 2), 3},
		{"delete ending at cursor", 5, ot.NewDelete(3, 2), 3},
		{"delete straddling", 5, ot.NewDelete(3, 4), 3},
		{"delete after", 5, ot.NewDelete(5, 2), 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := ot.TransformCursor(tc.cursor, tc.op); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func randomOp(rng *rand.Rand, text string) ot.Operation {
	n := len([]rune(text))
	index := rng.IntN(n + 1)

	if rng.IntN(2) == 0 {
		return ot.NewInsert(index, randomText(rng, 3))
	}

	return ot.NewDelete(index, rng.IntN(n-index+1))
}

func mustApply(t *testing.T, text string, op ot.Operation) string {
	t.Helper()

	out, err := ot.Apply(text, op)
	require.NoError(t, err, "apply %v to %q", op, text)

	return out
}
