package game

import "ticksync.dev/internal/sim/command"

// PlayerCommands are the commands one player runs in a tic, in index order.
type PlayerCommands struct {
	Player   command.PlayerID
	Commands []command.Command
}

const (
	IntermissionTics = 105

	maxMove     = Fixed(30 << FracBits)
	friction    = Fixed(0xe800)
	stopSpeed   = Fixed(0x1000)
	moveScale   = 2048
	useRange    = Fixed(64 << FracBits)
	attackRange = Fixed(512 << FracBits)
	refireTics  = 8
	doorSpeed   = Fixed(2 << FracBits)
	doorWait    = 150
	nukageEvery = 32
	nukageHurt  = 5

	sectorOriginBase = 1 << 16
)

// RunTic runs the game logic for s.Tic. It is a pure function of the state
// and cmds; the caller advances s.Tic.
func RunTic(s *State, cmds []PlayerCommands, fx Effects) {
	if fx == nil {
		fx = noEffects{}
	}
	if s.GameState != GameStateLevel {
		for _, pc := range cmds {
			if p := s.Player(pc.Player); p != nil && len(pc.Commands) > 0 {
				p.LastCommandIndex = pc.Commands[len(pc.Commands)-1].Index
			}
		}
		if s.GameState == GameStateIntermission {
			s.IntermissionTic++
			if s.IntermissionTic >= IntermissionTics {
				s.ExitRequested = true
			}
		}
		return
	}

	for _, pc := range cmds {
		p := s.Player(pc.Player)
		if p == nil {
			continue
		}
		for _, c := range pc.Commands {
			runCommand(s, p, c, fx)
			p.LastCommandIndex = c.Index
		}
	}
	for i := range s.Players {
		movePlayer(s, &s.Players[i])
	}
	for i := range s.Sectors {
		thinkSector(s, &s.Sectors[i], fx)
	}
	if s.LevelTime%nukageEvery == 0 {
		hurtNukage(s, fx)
	}
	s.LevelTime++
}

func runCommand(s *State, p *Player, c command.Command, fx Effects) {
	sound := func(origin uint32, sfx Sfx) {
		fx.StartSound(SoundEvent{Tic: s.Tic, Origin: origin, Sfx: sfx, Player: p.ID, CommandIndex: c.Index})
	}
	if p.Dead {
		if c.Buttons&command.ButtonUse != 0 {
			s.spawn(p)
			sound(uint32(p.ID), SfxTeleport)
		}
		return
	}

	p.Angle += Angle(uint32(int32(c.Angle)) << 16)
	if c.Forward != 0 {
		move := Fixed(c.Forward) * moveScale
		p.MomX += FixedMul(move, Cosine(p.Angle))
		p.MomY += FixedMul(move, Sine(p.Angle))
	}
	if c.Side != 0 {
		move := Fixed(c.Side) * moveScale
		right := p.Angle - 1<<30
		p.MomX += FixedMul(move, Cosine(right))
		p.MomY += FixedMul(move, Sine(right))
	}

	if c.Buttons&command.ButtonUse != 0 {
		for i := range s.Sectors {
			sec := &s.Sectors[i]
			if !withinRange(sec, p.X, p.Y, useRange) {
				continue
			}
			switch sec.Kind {
			case SectorDoor:
				if sec.Direction == 0 && sec.Ceiling < sec.Top {
					sec.Direction = 1
					sound(sectorOriginBase+uint32(sec.ID), SfxDoorOpen)
				}
			case SectorExit:
				if !s.ExitRequested {
					s.ExitRequested = true
					sound(sectorOriginBase+uint32(sec.ID), SfxSwitch)
				}
			}
		}
	}

	if c.Buttons&command.ButtonAttack != 0 && p.Cooldown == 0 && p.Ammo > 0 {
		p.Ammo--
		p.Cooldown = refireTics
		sound(uint32(p.ID), SfxPistol)
		if target := nearestTarget(s, p); target != nil {
			dmg := (s.Random()%5 + 1) * 3
			damage(s, p, target, dmg, sound)
		}
	}
}

func withinRange(sec *Sector, x, y, r Fixed) bool {
	return x >= sec.Min.X-r && x <= sec.Max.X+r && y >= sec.Min.Y-r && y <= sec.Max.Y+r
}

func nearestTarget(s *State, p *Player) *Player {
	var best *Player
	var bestDist Fixed
	for i := range s.Players {
		t := &s.Players[i]
		if t.ID == p.ID || t.Dead {
			continue
		}
		d := ApproxDistance(t.X-p.X, t.Y-p.Y)
		if d > attackRange {
			continue
		}
		if best == nil || d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}

func damage(s *State, source, target *Player, dmg int, sound func(origin uint32, sfx Sfx)) {
	if target.Armor > 0 {
		saved := dmg / 3
		if saved > target.Armor {
			saved = target.Armor
		}
		target.Armor -= saved
		dmg -= saved
	}
	target.Health -= dmg
	if target.Health > 0 {
		sound(uint32(target.ID), SfxPain)
		return
	}
	target.Health = 0
	target.Dead = true
	target.MomX, target.MomY = 0, 0
	target.Deaths++
	if source != nil && source.ID != target.ID {
		source.Frags++
	}
	sound(uint32(target.ID), SfxDeath)
}

func movePlayer(s *State, p *Player) {
	if p.Cooldown > 0 {
		p.Cooldown--
	}
	if p.Dead {
		return
	}
	p.MomX = clamp(p.MomX, -maxMove, maxMove)
	p.MomY = clamp(p.MomY, -maxMove, maxMove)
	p.X = clamp(p.X+p.MomX, -s.ArenaHalf, s.ArenaHalf)
	p.Y = clamp(p.Y+p.MomY, -s.ArenaHalf, s.ArenaHalf)

	p.MomX = FixedMul(p.MomX, friction)
	p.MomY = FixedMul(p.MomY, friction)
	if Abs(p.MomX) < stopSpeed && Abs(p.MomY) < stopSpeed {
		p.MomX, p.MomY = 0, 0
	}

	if cell := s.visitedCell(p.X, p.Y); cell >= 0 {
		s.Visited[cell] |= 1 << (uint32(p.ID) % 16)
	}
}

func (s *State) visitedCell(x, y Fixed) int {
	if s.ArenaHalf <= 0 || len(s.Visited) != visitedGrid*visitedGrid {
		return -1
	}
	span := int64(s.ArenaHalf) * 2
	cx := int((int64(x) + int64(s.ArenaHalf)) * visitedGrid / (span + 1))
	cy := int((int64(y) + int64(s.ArenaHalf)) * visitedGrid / (span + 1))
	return cy*visitedGrid + cx
}

func thinkSector(s *State, sec *Sector, fx Effects) {
	if sec.Kind != SectorDoor {
		return
	}
	origin := sectorOriginBase + uint32(sec.ID)
	switch sec.Direction {
	case 1:
		sec.Ceiling += doorSpeed
		if sec.Ceiling >= sec.Top {
			sec.Ceiling = sec.Top
			sec.Direction = 0
			sec.Wait = doorWait
		}
	case -1:
		sec.Ceiling -= doorSpeed
		if sec.Ceiling <= sec.Floor {
			sec.Ceiling = sec.Floor
			sec.Direction = 0
		}
	default:
		if sec.Wait > 0 {
			sec.Wait--
			if sec.Wait == 0 && sec.Ceiling > sec.Floor {
				sec.Direction = -1
				fx.StartSound(SoundEvent{Tic: s.Tic, Origin: origin, Sfx: SfxDoorClose})
			}
		}
	}
}

func hurtNukage(s *State, fx Effects) {
	for i := range s.Sectors {
		sec := &s.Sectors[i]
		if sec.Kind != SectorNukage {
			continue
		}
		for j := range s.Players {
			p := &s.Players[j]
			if p.Dead || !sec.Contains(p.X, p.Y) {
				continue
			}
			damage(s, nil, p, nukageHurt, func(origin uint32, sfx Sfx) {
				fx.StartSound(SoundEvent{Tic: s.Tic, Origin: origin, Sfx: sfx})
			})
		}
	}
}

func clamp(v, lo, hi Fixed) Fixed {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
