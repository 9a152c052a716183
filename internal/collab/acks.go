package collab

import (
	"time"

	"github.com/serroba/collab-text/internal/ot"
)

// Ack is the outcome of a processed submission.
type Ack struct {
	Revision  int
	Op        ot.Operation // Effective operation
	Submitted ot.Operation
	Committed bool
	Seq       uint64
}

// Transformed reports whether the effective operation differs from the submitted one.
func (a Ack) Transformed() bool {
	return a.Op != a.Submitted
}

const (
	acksPerClient = 16
	maxClients    = 1024
)

type clientAcks struct {
	last     uint64
	acks     map[uint64]Ack
	order    []uint64
	lastSeen time.Time
}

// ackLog remembers recent acks per editing session so a retried submission
// is answered without being applied twice.
type ackLog struct {
	clients map[string]*clientAcks
	now     func() time.Time
}

func newAckLog() *ackLog {
	return &ackLog{
		clients: make(map[string]*clientAcks),
		now:     time.Now,
	}
}

func (l *ackLog) lookup(clientID string, seq uint64) (Ack, bool) {
	c, ok := l.clients[clientID]
	if !ok {
		return Ack{}, false
	}

	ack, ok := c.acks[seq]

	return ack, ok
}

// lastSeq is the highest sequence number processed for clientID.
func (l *ackLog) lastSeq(clientID string) uint64 {
	if c, ok := l.clients[clientID]; ok {
		return c.last
	}

	return 0
}

func (l *ackLog) record(clientID string, ack Ack) {
	if ack.Seq == 0 || clientID == "" {
		return
	}

	c, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= maxClients {
			l.evictOldest()
		}

		c = &clientAcks{acks: make(map[uint64]Ack)}
		l.clients[clientID] = c
	}

	c.lastSeen = l.now()
	c.last = max(c.last, ack.Seq)
	c.acks[ack.Seq] = ack
	c.order = append(c.order, ack.Seq)

	if len(c.order) > acksPerClient {
		delete(c.acks, c.order[0])
		c.order = c.order[1:]
	}
}

func (l *ackLog) evictOldest() {
	var (
		oldestID string
		oldest   time.Time
	)

	for id, c := range l.clients {
		if oldestID == "" || c.lastSeen.Before(oldest) {
			oldestID, oldest = id, c.lastSeen
		}
	}

	delete(l.clients, oldestID)
}
