package server

import (
	"fmt"
	"time"

	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
)

// Step runs one authoritative tic: game-state transitions, seat changes,
// inbound commands, the tic itself, then per-peer updates and cleanup.
// Tests and the replay tool call it directly.
func (s *Server) Step(joins []JoinRequest, leaves []LeaveRequest, inbox []CommandsEnvelope) {
	start := time.Now()
	st := s.runner.State
	entry := TicEntry{Tic: st.Tic}

	changed, err := game.AdvanceGameState(st, s.loader)
	if err != nil {
		s.log.Errorw("advance game state", "tic", st.Tic, "err", err)
	}
	if changed {
		entry.GameState = st.GameState.String()
		for _, p := range s.peers {
			p.gameState = entry.GameState
		}
		s.log.Infow("game state", "tic", st.Tic, "state", entry.GameState, "map", st.Map)
	}

	for _, req := range leaves {
		s.handleLeave(req)
	}
	s.expireSeats(&entry)
	for _, req := range joins {
		s.handleJoin(req, &entry)
	}
	for _, env := range inbox {
		s.handleCommands(env)
	}

	s.entry = entry
	if err := s.runner.RunOneTic(); err != nil {
		s.log.Errorw("authoritative tic", "tic", st.Tic, "err", err)
	}

	s.sendUpdates()
	s.cleanup()
	s.publishMetrics(float64(time.Since(start).Microseconds()) / 1000)
}

// onTic runs inside RunOneTic, after the logic and before the counter
// moves on: the state now is snapshot st.Tic.
func (s *Server) onTic(st *game.State, ran []game.PlayerCommands) {
	snap := s.store.Save(st)

	e := s.entry
	e.Digest = snap.Digest()
	for _, pc := range ran {
		e.Commands = append(e.Commands, protocol.PlayerCommands{Player: uint32(pc.Player), Commands: pc.Commands})
	}
	if s.ticLog != nil {
		if err := s.ticLog.WriteTic(e); err != nil {
			s.log.Warnw("tic log", "tic", st.Tic, "err", err)
		}
	}

	if n := s.tune.SaveEveryTics; n > 0 && s.saveSink != nil && st.Tic%n == 0 {
		select {
		case s.saveSink <- s.saveGame(snap):
		default:
			s.log.Warnw("save game skipped, writer busy", "tic", st.Tic)
		}
	}
}

// sendUpdates brings every connected peer up to the newest snapshot.
func (s *Server) sendUpdates() {
	latest := s.store.Latest()
	for _, id := range s.peerIDs() {
		p := s.peers[id]
		if !p.connected() {
			continue
		}
		if !p.sync.NeedsGameState() && p.sync.TooLagged(latest, s.tune.Sync.MaxPeerLagTics) {
			s.log.Warnw("peer lagged, resending full state", "player", id, "sync_tic", p.sync.SyncTic(), "latest", latest)
			s.event(EventLagged, id, fmt.Sprintf("sync tic %d, latest %d", p.sync.SyncTic(), latest))
			p.sync.RequestFullState()
			p.fullSentTic = -1
			s.count(func(m *Metrics) { m.LaggedResets++ })
			s.send(p, protocol.NewError(protocol.ErrPeerLagged,
				fmt.Sprintf("sync tic trails server by more than %d tics", s.tune.Sync.MaxPeerLagTics)))
		}

		if p.sync.NeedsGameState() {
			// A full state in flight is repeated once a second until acked.
			if p.fullSentTic >= 0 && latest-p.fullSentTic < s.tune.TicRateHz {
				continue
			}
			if s.sendDelta(p, -1, latest) {
				p.fullSentTic = latest
			}
			continue
		}

		if q := s.runner.Queues.Get(id); q != nil {
			// Commands run but not yet reported back also need a delta.
			p.sync.CheckCommandIndex(q.LatestRunIndex())
		}
		if p.sync.SyncTic() >= latest && !p.sync.Outdated() {
			continue
		}
		p.sync.MarkOutdated()
		s.sendDelta(p, p.sync.SyncTic(), latest)
	}
}

// sendDelta sends snapshot to against from (-1 for a full state) with
// every command the server ran in (from, to].
func (s *Server) sendDelta(p *peer, from, to int) bool {
	d, err := s.store.BuildDelta(from, to)
	if err != nil {
		s.log.Errorw("build delta", "player", p.id, "from", from, "to", to, "err", err)
		return false
	}
	msg := protocol.NewDeltaMsg(d)
	if q := s.runner.Queues.Get(p.id); q != nil {
		msg.CommandIndex = q.LatestRunIndex()
	}
	if !d.Full {
		for _, id := range s.runner.Queues.IDs() {
			cmds := s.runner.Queues.Get(id).RanBetween(from, to)
			if len(cmds) > 0 {
				msg.Commands = append(msg.Commands, protocol.PlayerCommands{Player: uint32(id), Commands: cmds})
			}
		}
	}
	if p.gameState != "" {
		msg.GameState = p.gameState
	}
	if !s.send(p, msg) {
		return false
	}
	p.gameState = ""
	p.sync.SetStateDelta(d)
	p.sync.UpdateCommandIndex(msg.CommandIndex)
	for _, pc := range msg.Commands {
		p.sync.UpdateCommandIndexFor(command.PlayerID(pc.Player), pc.Commands[len(pc.Commands)-1].Index)
	}
	p.sync.SetNotOutdated()
	s.count(func(m *Metrics) {
		if d.Full {
			m.FullStates++
		} else {
			m.Deltas++
		}
	})
	return true
}

// cleanup drops snapshots and commands no connected peer can still need:
// everything before the oldest acknowledged sync tic. A full state in
// flight counts as that peer's next ack.
func (s *Server) cleanup() {
	latest := s.store.Latest()
	oldest := latest
	for _, p := range s.peers {
		if !p.connected() {
			continue
		}
		t := p.sync.SyncTic()
		if p.sync.NeedsGameState() {
			t = p.fullSentTic
		}
		if t >= 0 && t < oldest {
			oldest = t
		}
	}
	s.store.EvictBefore(oldest)
	s.runner.Queues.TrimSynchronized(oldest + 1)
}
