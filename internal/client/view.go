package client

import "ticksync.dev/internal/sim/game"

// Interpolator tracks the local player's view across tics so a renderer
// running faster than the tic rate can blend between them.
type Interpolator struct {
	prevX, prevY, curX, curY game.Fixed
	prevAngle, curAngle      game.Angle
	valid                    bool
	resets                   int
}

func (v *Interpolator) ResetViewInterpolation() {
	v.valid = false
	v.resets++
}

func (v *Interpolator) InterpolateView(p *game.Player) {
	if !v.valid {
		v.prevX, v.prevY, v.prevAngle = p.X, p.Y, p.Angle
		v.valid = true
	} else {
		v.prevX, v.prevY, v.prevAngle = v.curX, v.curY, v.curAngle
	}
	v.curX, v.curY, v.curAngle = p.X, p.Y, p.Angle
}

// At blends the last two tics; frac is 16.16 in [0, 1].
func (v *Interpolator) At(frac game.Fixed) (x, y game.Fixed, angle game.Angle) {
	x = v.prevX + game.FixedMul(v.curX-v.prevX, frac)
	y = v.prevY + game.FixedMul(v.curY-v.prevY, frac)
	angle = v.prevAngle + game.Angle(int64(int32(v.curAngle-v.prevAngle))*int64(frac)>>game.FracBits)
	return x, y, angle
}

// Resets counts how often interpolation restarted.
func (v *Interpolator) Resets() int { return v.resets }
