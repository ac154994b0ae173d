// Package server runs the authoritative simulation and keeps every
// connected peer's copy of it current with state deltas and relayed
// commands.
package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/persistence/snapshot"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
	"ticksync.dev/internal/sim/runner"
	"ticksync.dev/internal/sim/state"
	"ticksync.dev/internal/sim/tuning"
)

// MaxCommandsPerMessage caps how many commands one COMMANDS message may
// carry; the rest are ignored and resent by the client.
const MaxCommandsPerMessage = 100

type Config struct {
	Tuning tuning.Tuning
	// Loader defaults to the procedural loader seeded from Tuning.
	Loader game.LevelLoader
	// ResumeGraceTics is how long a disconnected player keeps its seat.
	ResumeGraceTics int
}

type JoinRequest struct {
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

type AttachRequest struct {
	ResumeToken string
	Out         chan []byte
	Resp        chan JoinResponse
}

// JoinResponse carries SETUP, or Err when the seat was refused.
type JoinResponse struct {
	Setup protocol.SetupMsg
	Err   *protocol.ErrorMsg
}

// LeaveRequest reports a closed connection. Out identifies which
// connection closed, so a stale leave cannot unseat a resumed peer.
type LeaveRequest struct {
	Player command.PlayerID
	Out    chan []byte
}

type CommandsEnvelope struct {
	Player command.PlayerID
	Msg    protocol.CommandsMsg
}

type Metrics struct {
	Tic          int
	Players      int
	Peers        int
	Snapshots    int
	// OutOfOrder counts received commands buffered behind an index gap.
	OutOfOrder   int
	StepMS       float64
	Deltas       uint64
	FullStates   uint64
	LaggedResets uint64
	Dropped      uint64
	QueueDepths  QueueDepths
}

type QueueDepths struct {
	Join   int
	Attach int
	Leave  int
	Inbox  int
}

type Server struct {
	tune      tuning.Tuning
	loader    game.LevelLoader
	grace     int
	sessionID string

	runner *runner.Runner
	store  *state.Store

	peers   map[command.PlayerID]*peer
	byToken map[string]command.PlayerID
	nextID  uint32

	join   chan JoinRequest
	attach chan AttachRequest
	leave  chan LeaveRequest
	inbox  chan CommandsEnvelope
	saves  chan chan snapshot.SaveGame
	stop   chan struct{}

	ticLog   TicLogger
	events   EventLogger
	saveSink chan<- snapshot.SaveGame
	entry    TicEntry

	metricsMu sync.RWMutex
	metrics   Metrics

	log *zap.SugaredLogger
}

// New starts a fresh session on the configured level. The level's
// initial state is snapshot 0 and the first tic run is 1.
func New(cfg Config, logger *zap.SugaredLogger) (*Server, error) {
	s, err := newServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	lvl := cfg.Tuning.Level
	st, err := game.NewState(s.loader, lvl.Episode, lvl.Map, lvl.Skill)
	if err != nil {
		return nil, eris.Wrap(err, "set up level")
	}
	s.install(st)
	return s, nil
}

// NewFromSave resumes a session from a save game. Players recorded in it
// keep their seats for the resume grace period. The session id changes,
// so clients of the old process start over.
func NewFromSave(cfg Config, sg snapshot.SaveGame, logger *zap.SugaredLogger) (*Server, error) {
	if got := game.DigestBytes(sg.State); sg.Header.Digest != "" && got != sg.Header.Digest {
		return nil, eris.Errorf("save game digest mismatch: header %s, state %s", sg.Header.Digest, got)
	}
	st, err := game.Decode(sg.State)
	if err != nil {
		return nil, eris.Wrap(err, "decode save game")
	}
	s, err := newServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.nextID = sg.Header.NextPlayerID
	for _, sp := range sg.Header.Players {
		id := command.PlayerID(sp.ID)
		if st.Player(id) == nil {
			continue
		}
		p := newPeer(id, sp.Name, sp.ResumeToken, nil)
		p.goneAt = st.Tic
		s.peers[id] = p
		s.byToken[p.token] = id
		if sp.ID > s.nextID {
			s.nextID = sp.ID
		}
	}
	s.install(st)
	s.log.Infow("resumed from save game", "tic", st.Tic, "seats", len(s.peers))
	return s, nil
}

func newServer(cfg Config, logger *zap.SugaredLogger) (*Server, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, err
	}
	if cfg.Loader == nil {
		cfg.Loader = game.ProceduralLoader{Seed: cfg.Tuning.Level.Seed}
	}
	return &Server{
		tune:      cfg.Tuning,
		loader:    cfg.Loader,
		grace:     cfg.ResumeGraceTics,
		sessionID: uuid.NewString(),
		store:     state.NewStore(cfg.Tuning.Sync.MaxPeerLagTics + 2),
		peers:     make(map[command.PlayerID]*peer),
		byToken:   make(map[string]command.PlayerID),
		join:      make(chan JoinRequest, 64),
		attach:    make(chan AttachRequest, 64),
		leave:     make(chan LeaveRequest, 64),
		inbox:     make(chan CommandsEnvelope, 1024),
		saves:     make(chan chan snapshot.SaveGame),
		stop:      make(chan struct{}),
		log:       logging.OrNop(logger),
	}, nil
}

// install makes st the live state: it becomes the first snapshot and the
// next tic to run is one past it.
func (s *Server) install(st *game.State) {
	queues := command.NewQueues()
	for i := range st.Players {
		queues.Ensure(st.Players[i].ID, st.Players[i].LastCommandIndex)
	}
	s.runner = runner.New(st, queues, s.log.Named("runner"))
	s.runner.SetMode(runner.ModeAuthoritative)
	s.runner.CommandLimit = s.commandLimit
	s.runner.OnTic = s.onTic
	s.store.Save(st)
	st.Tic++
	s.publishMetrics(0)
}

func (s *Server) commandLimit(_ command.PlayerID, q *command.Queue) int {
	if q.Backlog() > s.tune.Sync.CommandBacklog {
		return s.tune.Sync.CommandLimit
	}
	return 1
}

func (s *Server) SetTicLogger(l TicLogger) { s.ticLog = l }

func (s *Server) SetEventLogger(l EventLogger) { s.events = l }

func (s *Server) event(kind string, id command.PlayerID, detail string) {
	if s.events == nil {
		return
	}
	e := Event{Tic: s.runner.State.Tic, Kind: kind, Player: uint32(id), Detail: detail}
	if err := s.events.WriteEvent(e); err != nil {
		s.log.Warnw("event log", "kind", kind, "err", err)
	}
}

// SetSaveSink receives a save game every SaveEveryTics tics. Sends never
// block; a busy sink misses that save.
func (s *Server) SetSaveSink(ch chan<- snapshot.SaveGame) { s.saveSink = ch }

func (s *Server) Join() chan<- JoinRequest     { return s.join }
func (s *Server) Attach() chan<- AttachRequest { return s.attach }
func (s *Server) Leave() chan<- LeaveRequest   { return s.leave }
func (s *Server) Inbox() chan<- CommandsEnvelope {
	return s.inbox
}

func (s *Server) SessionID() string { return s.sessionID }

func (s *Server) TicRateHz() int { return s.tune.TicRateHz }

// Run steps the simulation at the tic rate. Requests arriving between
// tics are applied at the start of the next one.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.tune.TicRateHz))
	defer ticker.Stop()

	var (
		pendingJoins  []JoinRequest
		pendingLeaves []LeaveRequest
		pendingInbox  []CommandsEnvelope
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.join:
			pendingJoins = append(pendingJoins, req)
		case req := <-s.attach:
			s.handleAttach(req)
		case resp := <-s.saves:
			sg, _ := s.SaveGame()
			resp <- sg
		case req := <-s.leave:
			pendingLeaves = append(pendingLeaves, req)
		case env := <-s.inbox:
			pendingInbox = append(pendingInbox, env)
		case <-ticker.C:
			s.Step(pendingJoins, pendingLeaves, pendingInbox)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingInbox = pendingInbox[:0]
		}
	}
}

func (s *Server) Stop() { close(s.stop) }

// RequestSave asks the running server for a save game of its newest
// snapshot, taken between tics.
func (s *Server) RequestSave(ctx context.Context) (snapshot.SaveGame, error) {
	resp := make(chan snapshot.SaveGame, 1)
	select {
	case s.saves <- resp:
	case <-ctx.Done():
		return snapshot.SaveGame{}, eris.Wrap(ctx.Err(), "request save")
	}
	select {
	case sg := <-resp:
		return sg, nil
	case <-ctx.Done():
		return snapshot.SaveGame{}, eris.Wrap(ctx.Err(), "request save")
	}
}

// SaveGame captures the newest snapshot. Only call it from the goroutine
// that steps the server, or after Run has returned.
func (s *Server) SaveGame() (snapshot.SaveGame, bool) {
	snap, ok := s.store.LatestSnapshot()
	if !ok {
		return snapshot.SaveGame{}, false
	}
	return s.saveGame(snap), true
}

func (s *Server) saveGame(snap state.Snapshot) snapshot.SaveGame {
	hdr := snapshot.Header{
		Version:      snapshot.Version,
		SessionID:    s.sessionID,
		Tic:          snap.Tic,
		Digest:       snap.Digest(),
		NextPlayerID: s.nextID,
	}
	for _, id := range s.peerIDs() {
		p := s.peers[id]
		hdr.Players = append(hdr.Players, snapshot.PlayerV1{ID: uint32(id), Name: p.name, ResumeToken: p.token})
	}
	return snapshot.SaveGame{Header: hdr, State: snap.Data}
}

func (s *Server) Metrics() Metrics {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.metrics
}

func (s *Server) publishMetrics(stepMS float64) {
	connected := 0
	for _, p := range s.peers {
		if p.connected() {
			connected++
		}
	}
	outOfOrder := 0
	s.runner.Queues.Each(func(_ command.PlayerID, q *command.Queue) { outOfOrder += q.Pending() })
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.metrics.Tic = s.runner.State.Tic
	s.metrics.Players = len(s.runner.State.Players)
	s.metrics.Peers = connected
	s.metrics.Snapshots = s.store.Len()
	s.metrics.OutOfOrder = outOfOrder
	s.metrics.StepMS = stepMS
	s.metrics.QueueDepths = QueueDepths{
		Join:   len(s.join),
		Attach: len(s.attach),
		Leave:  len(s.leave),
		Inbox:  len(s.inbox),
	}
}

func (s *Server) count(f func(m *Metrics)) {
	s.metricsMu.Lock()
	f(&s.metrics)
	s.metricsMu.Unlock()
}

func (s *Server) peerIDs() []command.PlayerID {
	ids := make([]command.PlayerID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) setupFor(p *peer) protocol.SetupMsg {
	st := s.runner.State
	m := protocol.SetupMsg{
		Type:            protocol.TypeSetup,
		ProtocolVersion: protocol.Version,
		PlayerID:        uint32(p.id),
		SessionID:       s.sessionID,
		ResumeToken:     p.token,
		TicRateHz:       s.tune.TicRateHz,
		Episode:         st.Episode,
		Map:             st.Map,
		Skill:           st.Skill,
		Players:         []protocol.PlayerInfo{},
	}
	for _, id := range s.peerIDs() {
		m.Players = append(m.Players, protocol.PlayerInfo{ID: uint32(id), Name: s.peers[id].name})
	}
	return m
}
