package game

import "ticksync.dev/internal/sim/command"

type Sfx uint8

const (
	SfxNone Sfx = iota
	SfxPistol
	SfxPain
	SfxDeath
	SfxDoorOpen
	SfxDoorClose
	SfxSwitch
	SfxTeleport
)

var sfxNames = [...]string{"none", "pistol", "pain", "death", "dooropen", "doorclose", "switch", "teleport"}

func (s Sfx) String() string {
	if int(s) < len(sfxNames) {
		return sfxNames[s]
	}
	return "unknown"
}

// SoundEvent is a sound requested by the simulation. Origin 0 is the
// world; player-made sounds use the player id.
type SoundEvent struct {
	Tic    int
	Origin uint32
	Sfx    Sfx
	// Player and CommandIndex identify the command being run when the
	// sound started. Both are zero for thinker sounds.
	Player       command.PlayerID
	CommandIndex uint32
}

// Effects receives side effects the simulation produces. It must not
// mutate the state.
type Effects interface {
	StartSound(ev SoundEvent)
}

type noEffects struct{}

func (noEffects) StartSound(SoundEvent) {}

// View is the renderer's interpolation hook.
type View interface {
	ResetViewInterpolation()
	InterpolateView(p *Player)
}
