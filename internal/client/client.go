package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/netsync"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
	"ticksync.dev/internal/sim/runner"
	"ticksync.dev/internal/sim/state"
	"ticksync.dev/internal/sim/tuning"
	"ticksync.dev/internal/sound"
)

// MaxCommandsPerMessage bounds the unacknowledged commands resent in one
// COMMANDS message.
const MaxCommandsPerMessage = 100

// Sender delivers one message to the server. Implementations must be safe
// to call from the simulation goroutine.
type Sender interface {
	Send(v any) error
}

// InputSource builds the local player's command for a tic.
type InputSource interface {
	BuildCommand(tic int) command.Command
}

type Config struct {
	Tuning tuning.Tuning
	Loader game.LevelLoader
	Input  InputSource
	// Engine plays sounds; nil is silent.
	Engine sound.Engine
	// InboxSize bounds the handoff queue from the network goroutine.
	InboxSize int
}

// Client is the predicting side of a session. The network goroutine hands
// raw messages over with Deliver; everything else runs on the goroutine
// calling Frame or Run.
type Client struct {
	Ctrl *Controller
	Gate *sound.Gate
	View *Interpolator

	out    Sender
	input  InputSource
	engine sound.Engine
	inbox  chan []byte

	setup    protocol.SetupMsg
	hasSetup bool
	dropped  int

	log *zap.SugaredLogger
}

func New(cfg Config, out Sender, logger *zap.SugaredLogger) *Client {
	logger = logging.OrNop(logger)
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.Engine == nil {
		cfg.Engine = sound.SilentEngine{}
	}
	if cfg.Loader == nil {
		cfg.Loader = game.ProceduralLoader{Seed: cfg.Tuning.Level.Seed}
	}

	r := runner.New(nil, command.NewQueues(), logger.Named("runner"))
	ctrl := NewController(r, state.NewStore(cfg.Tuning.Sync.MaxSnapshots), netsync.New(), cfg.Loader, logger.Named("sync"))
	ctrl.MaxResyncFailures = cfg.Tuning.Sync.MaxResyncFailures

	c := &Client{
		Ctrl:   ctrl,
		View:   &Interpolator{},
		out:    out,
		input:  cfg.Input,
		engine: cfg.Engine,
		inbox:  make(chan []byte, cfg.InboxSize),
		log:    logger,
	}
	c.Gate = sound.NewGate(cfg.Engine, ctrl, 0, logger.Named("sound"))
	ctrl.View = c.View
	ctrl.Sound = c.Gate
	r.Effects = c.Gate
	return c
}

// Deliver queues a raw server message. It never blocks; a full inbox
// drops the message and the next delta supersedes it.
func (c *Client) Deliver(msg []byte) bool {
	select {
	case c.inbox <- msg:
		return true
	default:
		c.dropped++
		return false
	}
}

// Setup returns the game info received from the server, if any.
func (c *Client) Setup() (protocol.SetupMsg, bool) { return c.setup, c.hasSetup }

func (c *Client) PlayerID() command.PlayerID { return c.Ctrl.Runner.Local }

// Run calls Frame at the tic rate until ctx ends or a fatal error occurs.
func (c *Client) Run(ctx context.Context, ticRateHz int) error {
	if ticRateHz <= 0 {
		ticRateHz = 35
	}
	t := time.NewTicker(time.Second / time.Duration(ticRateHz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := c.Frame(); err != nil {
				return err
			}
		}
	}
}

// Frame is one client tic: adopt whatever the server sent, predict one
// local command and tell the server what we have.
func (c *Client) Frame() error {
	if err := c.drain(); err != nil {
		return err
	}
	if err := c.Ctrl.CheckForStateUpdates(); err != nil {
		return err
	}
	if c.Ctrl.HasState() {
		if err := c.predict(); err != nil {
			return err
		}
	} else {
		// Keep resending what the server has not acknowledged.
		c.Ctrl.CheckServerCommands()
	}
	return c.sendCommands()
}

func (c *Client) drain() error {
	for {
		select {
		case msg := <-c.inbox:
			if err := c.handle(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) handle(msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		c.log.Debugw("undecodable message", "err", err)
		return nil
	}
	switch base.Type {
	case protocol.TypeSetup:
		var m protocol.SetupMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.log.Warnw("bad SETUP", "err", err)
			return nil
		}
		c.applySetup(m)

	case protocol.TypeDelta:
		var m protocol.DeltaMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.log.Warnw("bad DELTA", "err", err)
			return nil
		}
		c.applyDelta(m)

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil
		}
		if !protocol.IsKnownCode(m.Code) {
			c.log.Warnw("unknown error code", "code", m.Code)
		}
		switch m.Code {
		case protocol.ErrPeerLagged:
			// A full state follows.
			c.log.Warnw("server reset our sync", "msg", m.Message)
			c.Ctrl.MarkServerOutdated()
		default:
			return eris.Wrapf(ErrServer, "%s: %s", m.Code, m.Message)
		}
	}
	return nil
}

func (c *Client) applySetup(m protocol.SetupMsg) {
	if c.hasSetup && m.SessionID != c.setup.SessionID {
		// A new session invalidates everything we know.
		c.Ctrl.ResetSync()
	}
	c.setup = m
	c.hasSetup = true
	id := command.PlayerID(m.PlayerID)
	c.Ctrl.Runner.Local = id
	c.Gate.Local = id
	c.Ctrl.Runner.Queues.Ensure(id, 0)
	c.Ctrl.Server.SetHasGameInfo()
	c.Ctrl.Server.MarkOutdated()
	c.log.Infow("setup", "player", id, "session", m.SessionID, "episode", m.Episode, "map", m.Map)
}

func (c *Client) applyDelta(m protocol.DeltaMsg) {
	srv := c.Ctrl.Server
	if srv.NeedsGameInfo() {
		return
	}
	for _, pc := range m.Commands {
		id := command.PlayerID(pc.Player)
		q := c.Ctrl.Runner.Queues.Ensure(id, 0)
		seen := srv.CommandIndexFor(id)
		for _, cmd := range pc.Commands {
			// Relays repeat until acked; skip what an earlier one carried.
			if cmd.Index <= seen {
				continue
			}
			q.Receive(cmd)
		}
		if n := len(pc.Commands); n > 0 {
			srv.UpdateCommandIndexFor(id, pc.Commands[n-1].Index)
		}
	}
	srv.UpdateCommandIndex(m.CommandIndex)
	if m.GameState != "" {
		c.Ctrl.SetNewGameState(game.ParseGameState(m.GameState))
	}
	if !srv.UpdateStateDelta(m.StateDelta()) {
		c.log.Debugw("delta ignored", "from", m.FromTic, "to", m.ToTic, "sync_tic", srv.SyncTic())
	}
}

func (c *Client) predict() error {
	r := c.Ctrl.Runner
	q := r.Queues.Ensure(r.Local, 0)
	var cmd command.Command
	if c.input != nil {
		cmd = c.input.BuildCommand(r.State.Tic)
	}
	cmd.Tic = r.State.Tic
	cmd.ServerTic = 0
	q.Append(cmd)
	c.Ctrl.CheckServerCommands()

	if err := r.RunOneTic(); err != nil {
		return eris.Wrapf(ErrFatalDesync, "predict tic %d: %v", r.State.Tic, err)
	}
	if p := r.State.Player(r.Local); p != nil {
		c.View.InterpolateView(p)
	}
	if m, ok := c.engine.(*sound.MixerEngine); ok {
		m.Advance(r.State.Tic)
	}
	return nil
}

func (c *Client) sendCommands() error {
	srv := c.Ctrl.Server
	if !c.hasSetup || !srv.Outdated() {
		return nil
	}
	ack := c.Ctrl.StateTic()
	if srv.NeedsGameState() {
		ack = netsync.NoSyncTic
	}
	cmds := []command.Command{}
	if q := c.Ctrl.Runner.Queues.Get(c.Ctrl.Runner.Local); q != nil {
		cmds = append(cmds, q.After(srv.SyncCommandIndex(), MaxCommandsPerMessage)...)
	}
	msg := protocol.CommandsMsg{
		Type:            protocol.TypeCommands,
		ProtocolVersion: protocol.Version,
		SyncTic:         ack,
		Commands:        cmds,
	}
	if err := c.out.Send(msg); err != nil {
		return eris.Wrap(err, "send COMMANDS")
	}
	srv.SetNotOutdated()
	return nil
}

// Wander is a bot input that walks and turns at random and fires now and
// then. Seeded, so two runs issue the same commands.
type Wander struct {
	rng   *rand.Rand
	angle int16
}

func NewWander(seed int64) *Wander {
	return &Wander{rng: rand.New(rand.NewSource(seed))}
}

func (w *Wander) BuildCommand(tic int) command.Command {
	if tic%35 == 0 {
		w.angle = int16(w.rng.Intn(1<<16) - 1<<15)
	}
	c := command.Command{
		Forward: int8(w.rng.Intn(50)),
		Side:    int8(w.rng.Intn(21) - 10),
		Angle:   w.angle,
	}
	if w.rng.Intn(8) == 0 {
		c.Buttons |= command.ButtonAttack
	}
	return c
}
