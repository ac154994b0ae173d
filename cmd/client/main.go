package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ticksync.dev/internal/client"
	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/tuning"
	"ticksync.dev/internal/sound"
	"ticksync.dev/internal/transport/ws"
)

// A headless predicting client: it plays with a seeded bot input,
// reconnects with its resume token and exits on a fatal desync.
func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "player name")
		seed       = flag.Int64("seed", 1, "bot input seed")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults apply when missing)")
		mixer      = flag.Bool("mixer", false, "track sounds in a software mixer instead of dropping them")
		duration   = flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
		logLevel   = flag.String("log_level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	logger := logging.New(logging.Options{Name: "client", Level: *logLevel})
	defer func() { _ = logger.Sync() }()

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalw("load tuning", "path", *tuningPath, "err", err)
		}
		tune = tuning.Defaults()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	link := &link{}
	var engine sound.Engine = sound.SilentEngine{}
	if *mixer {
		engine = sound.NewMixer(8, logger.Named("mixer"))
	}
	c := client.New(client.Config{
		Tuning: tune,
		Input:  client.NewWander(*seed),
		Engine: engine,
	}, link, logger)

	go link.maintain(ctx, *url, *name, c.Deliver, logger)

	err = c.Run(ctx, tune.TicRateHz)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		rep := c.Ctrl.LastReport()
		logger.Infow("stopped", "tic", c.Ctrl.StateTic(), "player", c.PlayerID(),
			"last_resync", rep.ToTic, "replay_match", rep.ReplayDigestMatch, "sound_log", c.Gate.LogLen())
	case err != nil:
		logger.Fatalw("client stopped", "err", err)
	}
}

// link is the connection the client sends through. Between connections
// sends are dropped; the server resends a full state after a resume.
type link struct {
	mu   sync.Mutex
	conn *ws.Conn
}

func (l *link) Send(v any) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Send(v)
}

func (l *link) set(c *ws.Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

// maintain keeps a connection up, resuming the seat with the last
// resume token the server handed out.
func (l *link) maintain(ctx context.Context, url, name string, deliver func([]byte) bool, logger *zap.SugaredLogger) {
	var token string
	backoff := 250 * time.Millisecond
	for ctx.Err() == nil {
		conn, err := ws.Dial(ctx, url, protocol.HelloMsg{PlayerName: name, ResumeToken: token})
		if err != nil {
			logger.Warnw("connect", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 250 * time.Millisecond
		l.set(conn)
		err = conn.ReadLoop(ctx, func(msg []byte) bool {
			if t := setupToken(msg); t != "" {
				token = t
			}
			return deliver(msg)
		})
		l.set(nil)
		_ = conn.Close()
		if ctx.Err() == nil {
			logger.Warnw("connection lost", "err", err)
		}
	}
}

func setupToken(msg []byte) string {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeSetup {
		return ""
	}
	var m protocol.SetupMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return ""
	}
	return m.ResumeToken
}
