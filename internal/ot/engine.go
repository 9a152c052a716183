package ot

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrHalted is returned by an engine that has stopped after detecting corruption.
var ErrHalted = errors.New("document processing halted")

// Result describes how a submitted operation was reconciled.
type Result struct {
	// Revision is the revision assigned to the commit, or the current
	// revision when nothing was committed.
	Revision int
	// Op is the effective operation after transformation.
	Op Operation
	// Submitted is the operation as the client sent it.
	Submitted Operation
	// Committed is false when the effective operation was a no-op.
	Committed bool
	Entry     HistoryEntry
}

// Transformed reports whether the effective operation differs from the submitted one.
func (r Result) Transformed() bool {
	return r.Op != r.Submitted
}

// Engine serializes submissions against a single Document.
// Each call to Process reads the concurrent history, transforms and commits
// as one step.
type Engine struct {
	mu     sync.Mutex
	doc    *Document
	halted error
}

// NewEngine creates an engine that owns doc.
func NewEngine(doc *Document) *Engine {
	return &Engine{doc: doc}
}

// Document returns the document the engine commits to.
func (e *Engine) Document() *Document {
	return e.doc
}

// Process transforms op, generated against baseRevision, through every entry
// committed since and commits the result.
//
// A base revision older than the history window yields ErrStaleClient; the
// caller is expected to resynchronize the client from a snapshot.
// A transformed op that turned into a no-op is not committed.
func (e *Engine) Process(op Operation, clientID string, baseRevision int) (Result, error) {
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrHalted, e.halted)
	}

	concurrent, err := e.doc.HistorySince(baseRevision)
	if err != nil {
		return Result{}, e.check(err)
	}

	effective := TransformAgainst(op, concurrent)

	if effective.IsNoop() {
		return Result{
			Revision:  e.doc.Revision(),
			Op:        effective,
			Submitted: op,
		}, nil
	}

	entry, err := e.doc.Commit(effective, clientID)
	if err != nil {
		return Result{}, e.check(err)
	}

	return Result{
		Revision:  entry.Revision,
		Op:        effective,
		Submitted: op,
		Committed: true,
		Entry:     entry,
	}, nil
}

// Halt stops the engine. Every later Process call fails with ErrHalted.
func (e *Engine) Halt(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.halt(cause)
}

// Halted returns the cause the engine stopped with, or nil.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.halted
}

func (e *Engine) check(err error) error {
	if errors.Is(err, ErrCorrupted) {
		e.halt(err)
	}

	return err
}

func (e *Engine) halt(cause error) {
	if e.halted != nil {
		return
	}

	log.Printf("ot: halting document at revision %d: %v", e.doc.Revision(), cause)
	e.halted = cause
}
