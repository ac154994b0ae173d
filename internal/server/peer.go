package server

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ticksync.dev/internal/netsync"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/command"
)

// peer is one seat: a player in the simulation plus, while connected, the
// channel its connection drains.
type peer struct {
	id    command.PlayerID
	name  string
	token string

	out  chan []byte
	sync *netsync.Tracker

	// fullSentTic is the tic of the last full state sent while the peer
	// awaited one; -1 when none is in flight.
	fullSentTic int
	goneAt      int
	gameState   string
}

func newPeer(id command.PlayerID, name, token string, out chan []byte) *peer {
	p := &peer{id: id, name: name, token: token, out: out, goneAt: -1}
	p.reset()
	return p
}

// reset starts the peer's sync over; SETUP goes out with the join or
// attach response.
func (p *peer) reset() {
	p.sync = netsync.New()
	p.sync.SetHasGameInfo()
	p.fullSentTic = -1
}

func (p *peer) connected() bool { return p.out != nil }

func (s *Server) handleJoin(req JoinRequest, entry *TicEntry) {
	if seated := len(s.peers); seated >= s.tune.MaxPlayers {
		e := protocol.NewError(protocol.ErrServerFull, fmt.Sprintf("%d players", seated))
		req.Resp <- JoinResponse{Err: &e}
		return
	}
	name := req.Name
	if name == "" {
		name = "player"
	}

	s.nextID++
	id := command.PlayerID(s.nextID)
	s.runner.State.AddPlayer(id)
	s.runner.Queues.Ensure(id, 0)

	p := newPeer(id, name, uuid.NewString(), req.Out)
	s.peers[id] = p
	s.byToken[p.token] = id
	entry.Joins = append(entry.Joins, JoinEntry{Player: uint32(id), Name: name})

	s.log.Infow("player joined", "player", id, "name", name, "tic", s.runner.State.Tic)
	s.event(EventJoin, id, name)
	req.Resp <- JoinResponse{Setup: s.setupFor(p)}
}

// handleAttach gives a seat back to a reconnecting peer. The peer's sync
// starts over with a full state.
func (s *Server) handleAttach(req AttachRequest) {
	id, ok := s.byToken[req.ResumeToken]
	p := s.peers[id]
	if !ok || p == nil {
		e := protocol.NewError(protocol.ErrBadResume, "unknown resume token")
		req.Resp <- JoinResponse{Err: &e}
		return
	}
	p.out = req.Out
	p.goneAt = -1
	p.reset()
	s.log.Infow("player resumed", "player", id, "tic", s.runner.State.Tic)
	s.event(EventResume, id, "")
	req.Resp <- JoinResponse{Setup: s.setupFor(p)}
}

func (s *Server) handleLeave(req LeaveRequest) {
	p := s.peers[req.Player]
	if p == nil || p.out == nil || p.out != req.Out {
		return
	}
	p.out = nil
	p.goneAt = s.runner.State.Tic
	s.log.Infow("player disconnected", "player", p.id, "tic", p.goneAt)
	s.event(EventDisconnect, p.id, "")
}

// expireSeats removes players whose connection has been gone longer than
// the resume grace period.
func (s *Server) expireSeats(entry *TicEntry) {
	tic := s.runner.State.Tic
	for _, id := range s.peerIDs() {
		p := s.peers[id]
		if p.connected() || tic-p.goneAt < s.grace {
			continue
		}
		s.runner.State.RemovePlayer(id)
		s.runner.Queues.Remove(id)
		delete(s.peers, id)
		delete(s.byToken, p.token)
		for _, other := range s.peers {
			other.sync.ForgetPlayer(id)
		}
		entry.Leaves = append(entry.Leaves, uint32(id))
		s.log.Infow("player removed", "player", id, "tic", tic)
		s.event(EventLeave, id, "resume grace expired")
	}
}

// handleCommands applies a peer's acknowledgement and queues its
// commands.
func (s *Server) handleCommands(env CommandsEnvelope) {
	p := s.peers[env.Player]
	if p == nil || !p.connected() {
		return
	}
	m := env.Msg
	latest := s.store.Latest()
	switch {
	case m.SyncTic < 0:
		if !p.sync.NeedsGameState() {
			s.log.Infow("peer requested full state", "player", p.id)
			p.sync.RequestFullState()
			p.fullSentTic = -1
			s.event(EventFullState, p.id, "")
		}
	case m.SyncTic > latest:
		s.log.Debugw("ack from the future ignored", "player", p.id, "sync_tic", m.SyncTic, "latest", latest)
	case p.sync.NeedsGameState():
		// Acks older than the full state in flight predate it.
		if p.fullSentTic >= 0 && m.SyncTic >= p.fullSentTic {
			p.sync.SetHasGameState()
			p.sync.UpdateTic(m.SyncTic)
		}
	default:
		p.sync.UpdateTic(m.SyncTic)
	}

	q := s.runner.Queues.Get(p.id)
	if q == nil {
		return
	}
	for i, c := range m.Commands {
		if i >= MaxCommandsPerMessage {
			break
		}
		c.ServerTic = 0
		q.Receive(c)
	}
}

// send queues v on the peer's connection without blocking.
func (s *Server) send(p *peer, v any) bool {
	if !p.connected() {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Errorw("encode message", "player", p.id, "err", err)
		return false
	}
	select {
	case p.out <- b:
		return true
	default:
		s.count(func(m *Metrics) { m.Dropped++ })
		s.log.Debugw("peer backlog full, message dropped", "player", p.id)
		return false
	}
}
