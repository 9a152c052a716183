package client

import (
	"errors"
	"fmt"

	"github.com/serroba/collab-text/internal/ot"
)

// ErrDesync is returned when server messages cannot be reconciled with the
// local state. The only recovery is to start over from a server snapshot.
var ErrDesync = errors.New("client state diverged from server")

// Update is a committed operation pushed by the server.
type Update struct {
	Revision       int
	Op             ot.Operation
	SourceClientID string
}

// Submission is the next operation to send, generated against Revision.
type Submission struct {
	Op       ot.Operation
	Revision int
	Seq      uint64
}

type pending struct {
	op  ot.Operation
	seq uint64

	inFlight bool
	sent     ot.Operation // op as last submitted

	acked     bool
	ackRev    int
	ackOp     ot.Operation
	committed bool
}

// Reconciler keeps an editing session consistent with the server without
// performing any I/O. Local edits become pending operations that are sent
// one at a time; remote updates are rebased over them.
//
// Invariant: applying the pending operations in order to the confirmed text
// yields the local text.
type Reconciler struct {
	clientID string

	text      string // local view
	confirmed string // server text at revision
	revision  int
	cursor    int

	pending []*pending
	nextSeq uint64
	future  map[int]Update // updates received ahead of a gap
}

// NewReconciler creates an empty reconciler for clientID at revision 0.
func NewReconciler(clientID string) *Reconciler {
	return &Reconciler{
		clientID: clientID,
		nextSeq:  1,
		future:   make(map[int]Update),
	}
}

// Text returns the local view.
func (r *Reconciler) Text() string { return r.text }

// Cursor returns the local cursor, in runes.
func (r *Reconciler) Cursor() int { return r.cursor }

// Revision returns the last server revision reflected locally.
func (r *Reconciler) Revision() int { return r.revision }

// Pending returns the number of local operations not yet confirmed.
func (r *Reconciler) Pending() int { return len(r.pending) }

// Syncing reports whether local edits are still waiting for the server.
func (r *Reconciler) Syncing() bool { return len(r.pending) > 0 }

// Reset replaces all state with a server snapshot, discarding pending edits.
func (r *Reconciler) Reset(text string, revision int) {
	r.text = text
	r.confirmed = text
	r.revision = revision
	r.cursor = min(r.cursor, runeLen(text))
	r.pending = nil
	clear(r.future)
}

// Edit records that the user changed the local text to newText.
func (r *Reconciler) Edit(newText string, cursor int) {
	for _, op := range ot.Generate(r.text, newText) {
		r.pending = append(r.pending, &pending{op: op, seq: r.nextSeq})
		r.nextSeq++
	}

	r.text = newText
	r.cursor = max(0, min(cursor, runeLen(newText)))
}

// Next returns the operation to send, if any. Only one operation is in
// flight at a time, always based on the current revision.
func (r *Reconciler) Next() (Submission, bool) {
	if len(r.pending) == 0 {
		return Submission{}, false
	}

	head := r.pending[0]
	if head.inFlight || head.acked {
		return Submission{}, false
	}

	head.inFlight = true
	head.sent = head.op

	return Submission{Op: head.op, Revision: r.revision, Seq: head.seq}, true
}

// SendFailed marks the in-flight operation as unsent so Next returns it again.
func (r *Reconciler) SendFailed(seq uint64) {
	if len(r.pending) > 0 && r.pending[0].seq == seq && !r.pending[0].acked {
		r.pending[0].inFlight = false
	}
}

// Ack records the server's answer to submission seq. effective is the
// operation the server applied, or nil when it applied the one sent.
// An effective no-op was not committed.
func (r *Reconciler) Ack(seq uint64, revision int, effective *ot.Operation) error {
	if len(r.pending) == 0 || r.pending[0].seq != seq || r.pending[0].acked {
		// Already confirmed through the stream.
		return nil
	}

	head := r.pending[0]
	head.inFlight = false
	head.acked = true
	head.ackRev = revision
	head.ackOp = head.sent

	if effective != nil {
		head.ackOp = *effective
	}

	head.committed = !head.ackOp.IsNoop()

	if head.committed && revision <= r.revision {
		return fmt.Errorf("%w: ack for seq %d at revision %d, already at %d", ErrDesync, seq, revision, r.revision)
	}

	return r.drain()
}

// Receive applies an update from the stream. Updates may arrive ahead of a
// gap; they are held until the missing revisions arrive.
func (r *Reconciler) Receive(u Update) error {
	switch {
	case u.Revision <= r.revision:
		return nil
	case u.Revision > r.revision+1:
		r.future[u.Revision] = u

		return nil
	}

	if err := r.apply(u); err != nil {
		return err
	}

	return r.drain()
}

func (r *Reconciler) apply(u Update) error {
	if u.SourceClientID == r.clientID && len(r.pending) > 0 {
		return r.confirmHead(u.Revision, u.Op)
	}

	confirmed, err := ot.Apply(r.confirmed, u.Op)
	if err != nil {
		return fmt.Errorf("%w: update %d: %w", ErrDesync, u.Revision, err)
	}

	if err := r.rebase(u.Op); err != nil {
		return fmt.Errorf("update %d: %w", u.Revision, err)
	}

	r.confirmed = confirmed
	r.revision = u.Revision

	return nil
}

// rebase moves the local state past a remote operation that applies to the
// confirmed text.
func (r *Reconciler) rebase(remote ot.Operation) error {
	kept := r.pending[:0]

	for _, p := range r.pending {
		p.op, remote = ot.TransformPair(p.op, remote)

		if p.op.IsNoop() && !p.inFlight && !p.acked {
			continue
		}

		kept = append(kept, p)
	}

	r.pending = kept

	text, err := ot.Apply(r.text, remote)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDesync, err)
	}

	r.text = text
	r.cursor = ot.TransformCursor(r.cursor, remote)

	return nil
}

// confirmHead pops the head, which the server committed at revision as op.
func (r *Reconciler) confirmHead(revision int, op ot.Operation) error {
	head := r.pending[0]
	if head.op != op {
		return fmt.Errorf("%w: committed %v at %d, expected %v", ErrDesync, op, revision, head.op)
	}

	confirmed, err := ot.Apply(r.confirmed, op)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDesync, err)
	}

	r.confirmed = confirmed
	r.revision = revision
	r.pending = r.pending[1:]

	return nil
}

// drain confirms acknowledged operations and applies held updates until
// neither can make progress.
func (r *Reconciler) drain() error {
	for {
		if len(r.pending) > 0 && r.pending[0].acked {
			head := r.pending[0]

			switch {
			case head.committed && head.ackRev == r.revision+1:
				if err := r.confirmHead(head.ackRev, head.ackOp); err != nil {
					return err
				}

				continue
			case !head.committed && r.revision >= head.ackRev:
				if !head.op.IsNoop() {
					return fmt.Errorf("%w: seq %d was dropped but rebased to %v", ErrDesync, head.seq, head.op)
				}

				r.pending = r.pending[1:]

				continue
			}
		}

		u, ok := r.future[r.revision+1]
		if !ok {
			return nil
		}

		delete(r.future, u.Revision)

		if err := r.apply(u); err != nil {
			return err
		}
	}
}

// Resync restarts from a server snapshot. Pending operations up to lastSeq
// are already part of text; the rest are rebased onto it and sent again.
func (r *Reconciler) Resync(text string, revision int, lastSeq uint64) error {
	base := r.confirmed

	for len(r.pending) > 0 && r.pending[0].seq <= lastSeq {
		next, err := ot.Apply(base, r.pending[0].op)
		if err != nil {
			return fmt.Errorf("%w: resync: %w", ErrDesync, err)
		}

		base = next
		r.pending = r.pending[1:]
	}

	for _, p := range r.pending {
		p.inFlight = false
		p.acked = false
	}

	// The remaining operations follow base; move them onto text.
	for _, op := range ot.Generate(base, text) {
		if err := r.rebase(op); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
	}

	r.confirmed = text
	r.revision = revision

	for rev := range r.future {
		if rev <= revision {
			delete(r.future, rev)
		}
	}

	return r.drain()
}

// Verify checks that the pending operations reproduce the local text.
func (r *Reconciler) Verify() error {
	ops := make([]ot.Operation, len(r.pending))
	for i, p := range r.pending {
		ops[i] = p.op
	}

	text, err := ot.ApplyAll(r.confirmed, ops...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDesync, err)
	}

	if text != r.text {
		return fmt.Errorf("%w: pending operations give %q, local text is %q", ErrDesync, text, r.text)
	}

	return nil
}

func runeLen(s string) int {
	return len([]rune(s))
}
