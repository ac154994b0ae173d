// Package sound presents simulation sounds and keeps re-simulated tics
// from playing them twice.
package sound

import (
	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/sim/game"
)

// Engine presents a sound to the player.
type Engine interface {
	Play(ev game.SoundEvent)
	StopAll()
}

// SilentEngine drops everything. Headless clients use it.
type SilentEngine struct{}

func (SilentEngine) Play(game.SoundEvent) {}
func (SilentEngine) StopAll()             {}

// Channel is a sound slot in the mixer.
type Channel struct {
	Event game.SoundEvent
	Busy  bool
}

// sfxTics is roughly how long each effect lasts.
var sfxTics = [...]int{0, 12, 18, 35, 30, 30, 10, 25}

// MixerEngine assigns sounds to a fixed number of channels. A new sound
// from an origin replaces that origin's current sound; otherwise the
// oldest channel is stolen when all are busy.
type MixerEngine struct {
	channels []Channel
	played   int
	log      *zap.SugaredLogger
}

func NewMixer(channels int, logger *zap.SugaredLogger) *MixerEngine {
	if channels <= 0 {
		channels = 8
	}
	return &MixerEngine{channels: make([]Channel, channels), log: logging.OrNop(logger)}
}

func (m *MixerEngine) Play(ev game.SoundEvent) {
	slot := -1
	for i := range m.channels {
		c := &m.channels[i]
		if c.Busy && ev.Origin != 0 && c.Event.Origin == ev.Origin {
			slot = i
			break
		}
	}
	if slot < 0 {
		for i := range m.channels {
			if !m.channels[i].Busy {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		slot = 0
		for i := range m.channels {
			if m.channels[i].Event.Tic < m.channels[slot].Event.Tic {
				slot = i
			}
		}
	}
	m.channels[slot] = Channel{Event: ev, Busy: true}
	m.played++
	m.log.Debugw("sound", "tic", ev.Tic, "sfx", ev.Sfx.String(), "origin", ev.Origin, "channel", slot)
}

// Advance frees channels whose sound has finished by tic.
func (m *MixerEngine) Advance(tic int) {
	for i := range m.channels {
		c := &m.channels[i]
		if !c.Busy {
			continue
		}
		length := 20
		if int(c.Event.Sfx) < len(sfxTics) {
			length = sfxTics[c.Event.Sfx]
		}
		if tic-c.Event.Tic >= length {
			c.Busy = false
		}
	}
}

func (m *MixerEngine) StopAll() {
	for i := range m.channels {
		m.channels[i].Busy = false
	}
}

// Channels returns a copy of the channel table.
func (m *MixerEngine) Channels() []Channel {
	return append([]Channel(nil), m.channels...)
}

// Played counts sounds presented since creation.
func (m *MixerEngine) Played() int { return m.played }
