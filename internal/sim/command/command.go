package command

import (
	"fmt"
	"sort"
)

// PlayerID is a stable player identity. It survives reconnects and is
// never reused within a session.
type PlayerID uint32

const (
	ButtonAttack uint8 = 1 << iota
	ButtonUse
)

// Command is one input sample. Index is assigned by the issuing client and
// is contiguous per player. ServerTic is 0 until the server has run it.
type Command struct {
	Index     uint32 `json:"index"`
	Tic       int    `json:"tic"`
	ServerTic int    `json:"server_tic,omitempty"`

	Forward int8  `json:"forward,omitempty"`
	Side    int8  `json:"side,omitempty"`
	Angle   int16 `json:"angle,omitempty"`
	Buttons uint8 `json:"buttons,omitempty"`
}

func (c Command) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Index, c.Tic, c.ServerTic)
}

// Queue is a per-player command log. Retained commands always have
// strictly increasing, gap-free indices; out-of-order arrivals wait in
// pending until the gap closes.
type Queue struct {
	cmds    []Command
	pending map[uint32]Command

	// lastIndex is the highest contiguous index ever accepted.
	lastIndex uint32
	latestRun uint32
}

func NewQueue(baseline uint32) *Queue {
	return &Queue{lastIndex: baseline, latestRun: baseline}
}

// Append assigns the next index and queues a locally built command.
func (q *Queue) Append(c Command) Command {
	c.Index = q.lastIndex + 1
	q.cmds = append(q.cmds, c)
	q.lastIndex = c.Index
	return c
}

// Receive queues a command that arrived over the network. It returns true
// when the command (and possibly buffered successors) joined the queue.
// Duplicates only fill in a missing ServerTic; stale indices are dropped.
func (q *Queue) Receive(c Command) bool {
	if c.Index == 0 {
		return false
	}
	if c.Index <= q.lastIndex {
		if c.ServerTic != 0 {
			if i, ok := q.find(c.Index); ok && q.cmds[i].ServerTic == 0 {
				q.cmds[i].ServerTic = c.ServerTic
			}
		}
		return false
	}
	if c.Index != q.lastIndex+1 {
		if q.pending == nil {
			q.pending = make(map[uint32]Command)
		}
		if old, ok := q.pending[c.Index]; !ok || (old.ServerTic == 0 && c.ServerTic != 0) {
			q.pending[c.Index] = c
		}
		return false
	}
	q.cmds = append(q.cmds, c)
	q.lastIndex = c.Index
	for {
		next, ok := q.pending[q.lastIndex+1]
		if !ok {
			break
		}
		delete(q.pending, next.Index)
		q.cmds = append(q.cmds, next)
		q.lastIndex = next.Index
	}
	return true
}

func (q *Queue) find(index uint32) (int, bool) {
	if len(q.cmds) == 0 {
		return 0, false
	}
	first := q.cmds[0].Index
	if index < first || index > q.lastIndex {
		return 0, false
	}
	return int(index - first), true
}

// Get returns the command with the given index, or false if it was
// trimmed or has not been produced yet.
func (q *Queue) Get(index uint32) (Command, bool) {
	i, ok := q.find(index)
	if !ok {
		return Command{}, false
	}
	return q.cmds[i], true
}

// SetServerTic records the tic the server ran a command at.
func (q *Queue) SetServerTic(index uint32, tic int) bool {
	i, ok := q.find(index)
	if !ok {
		return false
	}
	q.cmds[i].ServerTic = tic
	return true
}

// Trim removes commands built for a tic before throughTic from the front.
func (q *Queue) Trim(throughTic int) int {
	n := 0
	for n < len(q.cmds) && q.cmds[n].Tic < throughTic {
		n++
	}
	q.drop(n)
	return n
}

// TrimConfirmed is Trim restricted to commands already run, so a command
// the server has not reached yet survives even when its tic is old.
func (q *Queue) TrimConfirmed(throughTic int) int {
	n := 0
	for n < len(q.cmds) && q.cmds[n].Tic < throughTic && q.cmds[n].Index <= q.latestRun {
		n++
	}
	q.drop(n)
	return n
}

// TrimSynchronized removes commands the server ran before stateTic.
func (q *Queue) TrimSynchronized(stateTic int) int {
	n := 0
	for n < len(q.cmds) {
		c := q.cmds[n]
		if c.ServerTic == 0 || c.ServerTic >= stateTic {
			break
		}
		n++
	}
	q.drop(n)
	return n
}

func (q *Queue) drop(n int) {
	if n == 0 {
		return
	}
	q.cmds = append(q.cmds[:0], q.cmds[n:]...)
}

// Reset clears the queue and rebases both cursors on baseline.
func (q *Queue) Reset(baseline uint32) {
	q.cmds = q.cmds[:0]
	q.pending = nil
	q.lastIndex = baseline
	q.latestRun = baseline
}

// Rebase drops everything at or below baseline and moves the run cursor to
// it, keeping newer commands.
func (q *Queue) Rebase(baseline uint32) {
	n := 0
	for n < len(q.cmds) && q.cmds[n].Index <= baseline {
		n++
	}
	q.drop(n)
	for idx := range q.pending {
		if idx <= baseline {
			delete(q.pending, idx)
		}
	}
	if q.lastIndex < baseline {
		q.cmds = q.cmds[:0]
		q.lastIndex = baseline
	}
	q.latestRun = baseline
}

func (q *Queue) LatestRunIndex() uint32 { return q.latestRun }

// LatestIndex is the highest index queued without gaps.
func (q *Queue) LatestIndex() uint32 { return q.lastIndex }

// SetLatestRun moves the run cursor, typically after a snapshot load.
func (q *Queue) SetLatestRun(index uint32) { q.latestRun = index }

// MarkRun advances the run cursor. It only moves forward.
func (q *Queue) MarkRun(index uint32) {
	if index > q.latestRun {
		q.latestRun = index
	}
}

// Next returns the command after the run cursor.
func (q *Queue) Next() (Command, bool) { return q.Get(q.latestRun + 1) }

// Backlog counts queued commands not yet run.
func (q *Queue) Backlog() int {
	if q.lastIndex <= q.latestRun {
		return 0
	}
	return int(q.lastIndex - q.latestRun)
}

func (q *Queue) Len() int { return len(q.cmds) }

func (q *Queue) Pending() int { return len(q.pending) }

// Commands returns a copy of the retained commands in index order.
func (q *Queue) Commands() []Command {
	out := make([]Command, len(q.cmds))
	copy(out, q.cmds)
	return out
}

// After returns up to max commands with an index above index.
func (q *Queue) After(index uint32, max int) []Command {
	var out []Command
	for _, c := range q.cmds {
		if c.Index <= index {
			continue
		}
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, c)
	}
	return out
}

// RanBetween returns commands the server ran in (fromTic, toTic].
func (q *Queue) RanBetween(fromTic, toTic int) []Command {
	var out []Command
	for _, c := range q.cmds {
		if c.ServerTic > fromTic && c.ServerTic <= toTic {
			out = append(out, c)
		}
	}
	return out
}

// Queues holds one Queue per player.
type Queues struct {
	byID map[PlayerID]*Queue
}

func NewQueues() *Queues {
	return &Queues{byID: make(map[PlayerID]*Queue)}
}

// Ensure returns the player's queue, creating it at baseline if needed.
func (qs *Queues) Ensure(id PlayerID, baseline uint32) *Queue {
	if q := qs.byID[id]; q != nil {
		return q
	}
	q := NewQueue(baseline)
	qs.byID[id] = q
	return q
}

func (qs *Queues) Get(id PlayerID) *Queue { return qs.byID[id] }

func (qs *Queues) Remove(id PlayerID) { delete(qs.byID, id) }

func (qs *Queues) Len() int { return len(qs.byID) }

// IDs returns player ids in ascending order.
func (qs *Queues) IDs() []PlayerID {
	ids := make([]PlayerID, 0, len(qs.byID))
	for id := range qs.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each visits queues in player id order.
func (qs *Queues) Each(fn func(id PlayerID, q *Queue)) {
	for _, id := range qs.IDs() {
		fn(id, qs.byID[id])
	}
}

func (qs *Queues) TrimConfirmed(throughTic int) {
	for _, q := range qs.byID {
		q.TrimConfirmed(throughTic)
	}
}

func (qs *Queues) TrimSynchronized(stateTic int) {
	for _, q := range qs.byID {
		q.TrimSynchronized(stateTic)
	}
}

func (qs *Queues) Clear() {
	qs.byID = make(map[PlayerID]*Queue)
}
