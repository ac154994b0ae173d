package runner

// Window marks the inclusive tic range [Start, End] being re-simulated.
type Window struct {
	start  int
	end    int
	active bool
}

func (w *Window) Begin(start, end int) {
	w.start, w.end, w.active = start, end, true
}

func (w *Window) End() { w.active = false }

func (w *Window) Active() bool { return w.active }

// OccurredDuring reports whether tic lies inside the active window.
func (w *Window) OccurredDuring(tic int) bool {
	return w.active && tic >= w.start && tic <= w.end
}
