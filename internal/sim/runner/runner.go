package runner

import (
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
)

type Mode uint8

const (
	// ModePredicting runs at most the next queued command per player.
	ModePredicting Mode = iota
	// ModeSynchronizing replays exactly the commands the server ran at
	// the current tic.
	ModeSynchronizing
	// ModeRepredicting is ModePredicting, except that the local player
	// must have a command for every tic.
	ModeRepredicting
	// ModeAuthoritative runs queued commands up to a per-player limit and
	// stamps them with the server tic.
	ModeAuthoritative
)

func (m Mode) String() string {
	switch m {
	case ModePredicting:
		return "predicting"
	case ModeSynchronizing:
		return "synchronizing"
	case ModeRepredicting:
		return "repredicting"
	case ModeAuthoritative:
		return "authoritative"
	default:
		return "unknown"
	}
}

// ErrMissingCommand means a player lacks a command the simulation must
// run. Continuing would silently desynchronize, so callers treat it as
// fatal.
var ErrMissingCommand = errors.New("runner: missing command")

// Runner advances a simulation one tic at a time. It owns no goroutines;
// all calls happen on the simulation thread.
type Runner struct {
	State  *game.State
	Queues *command.Queues
	Window Window

	// Local is the player whose commands originate on this machine.
	Local command.PlayerID
	// Effects receives sounds; nil drops them.
	Effects game.Effects
	// CommandLimit returns how many commands a player may run in one
	// authoritative tic. Nil means one.
	CommandLimit func(id command.PlayerID, q *command.Queue) int
	// OnTic runs after the tic logic and before the counter advances.
	OnTic func(s *game.State, ran []game.PlayerCommands)

	mode     Mode
	warnings int
	log      *zap.SugaredLogger
}

func New(st *game.State, queues *command.Queues, logger *zap.SugaredLogger) *Runner {
	return &Runner{State: st, Queues: queues, log: logging.OrNop(logger)}
}

func (r *Runner) Mode() Mode { return r.mode }

func (r *Runner) SetMode(m Mode) { r.mode = m }

// Warnings counts sync warnings recorded so far.
func (r *Runner) Warnings() int { return r.warnings }

// RunOneTic runs the tic at State.Tic and then advances the counter.
// On ErrMissingCommand the state is left untouched.
func (r *Runner) RunOneTic() error {
	st := r.State
	ran, err := r.collect(st.Tic)
	if err != nil {
		r.warnings++
		r.log.Warnw("sync warning", "tic", st.Tic, "mode", r.mode.String(), "err", err)
		return err
	}

	game.RunTic(st, ran, r.Effects)
	for _, pc := range ran {
		q := r.Queues.Get(pc.Player)
		last := pc.Commands[len(pc.Commands)-1]
		q.MarkRun(last.Index)
		if r.mode == ModeAuthoritative {
			for _, c := range pc.Commands {
				q.SetServerTic(c.Index, st.Tic)
			}
		}
	}
	if r.OnTic != nil {
		r.OnTic(st, ran)
	}
	st.Tic++
	return nil
}

func (r *Runner) collect(tic int) ([]game.PlayerCommands, error) {
	var out []game.PlayerCommands
	for _, id := range r.State.PlayerIDs() {
		q := r.Queues.Get(id)
		if q == nil {
			continue
		}
		cmds, err := r.commandsFor(id, q, tic)
		if err != nil {
			return nil, err
		}
		if len(cmds) > 0 {
			out = append(out, game.PlayerCommands{Player: id, Commands: cmds})
		}
	}
	return out, nil
}

func (r *Runner) commandsFor(id command.PlayerID, q *command.Queue, tic int) ([]command.Command, error) {
	switch r.mode {
	case ModeSynchronizing:
		var cmds []command.Command
		expect := q.LatestRunIndex() + 1
		for _, c := range q.After(q.LatestRunIndex(), 0) {
			if c.ServerTic != tic {
				if c.ServerTic != 0 && c.ServerTic < tic {
					return nil, eris.Wrapf(ErrMissingCommand,
						"player %d command %d ran at server tic %d, replaying tic %d", id, c.Index, c.ServerTic, tic)
				}
				continue
			}
			if c.Index != expect {
				return nil, eris.Wrapf(ErrMissingCommand, "player %d expected command %d, have %d at tic %d", id, expect, c.Index, tic)
			}
			cmds = append(cmds, c)
			expect++
		}
		return cmds, nil

	case ModeAuthoritative:
		limit := 1
		if r.CommandLimit != nil {
			limit = r.CommandLimit(id, q)
		}
		cmds := q.After(q.LatestRunIndex(), limit)
		return cmds, nil

	default:
		c, ok := q.Next()
		if !ok {
			if r.mode == ModeRepredicting && id == r.Local && q.LatestRunIndex() < q.LatestIndex() {
				return nil, eris.Wrapf(ErrMissingCommand, "player %d command %d at tic %d", id, q.LatestRunIndex()+1, tic)
			}
			return nil, nil
		}
		return []command.Command{c}, nil
	}
}

// RestoreCursors moves every queue's run cursor to what the state says
// each player last ran. Call it after loading a snapshot.
func (r *Runner) RestoreCursors() {
	for i := range r.State.Players {
		p := &r.State.Players[i]
		r.Queues.Ensure(p.ID, p.LastCommandIndex).SetLatestRun(p.LastCommandIndex)
	}
}
