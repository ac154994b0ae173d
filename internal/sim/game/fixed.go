package game

// Fixed is a 16.16 fixed-point number. All simulation math is integer so
// that every platform produces identical states.
type Fixed int32

const (
	FracBits = 16
	FracUnit = Fixed(1 << FracBits)
)

func FixedMul(a, b Fixed) Fixed {
	return Fixed((int64(a) * int64(b)) >> FracBits)
}

func Abs(f Fixed) Fixed {
	if f < 0 {
		return -f
	}
	return f
}

func Units(n int) Fixed { return Fixed(n) << FracBits }

// Angles are binary angle measurements: the full circle is 2^32.
type Angle = uint32

const (
	fineAngles       = 256
	angleToFineShift = 24
	halfFine         = fineAngles / 2
)

var fineSine [fineAngles]Fixed

func init() {
	// Bhaskara's approximation over [0, pi], evaluated in integers.
	for i := 0; i <= halfFine; i++ {
		p := int64(i) * int64(halfFine-i)
		v := (int64(FracUnit) * 16 * p) / (5*halfFine*halfFine - 4*p)
		if i < halfFine {
			fineSine[i] = Fixed(v)
		}
		if i > 0 && i < halfFine {
			fineSine[fineAngles-i] = Fixed(-v)
		}
	}
}

func Sine(a Angle) Fixed { return fineSine[a>>angleToFineShift] }

func Cosine(a Angle) Fixed { return fineSine[(a+1<<30)>>angleToFineShift] }

// ApproxDistance is the octagonal distance estimate used for range checks.
func ApproxDistance(dx, dy Fixed) Fixed {
	dx, dy = Abs(dx), Abs(dy)
	if dx < dy {
		return dx + dy - dx>>1
	}
	return dx + dy - dy>>1
}
