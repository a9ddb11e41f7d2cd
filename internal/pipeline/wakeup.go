package pipeline

// Wakeup is a single-slot signal. Notifications sent while one is already
// pending collapse into it, so it is a hint, never a count.
type Wakeup struct {
	ch chan struct{}
}

func NewWakeup() *Wakeup {
	return &Wakeup{ch: make(chan struct{}, 1)}
}

// Notify never blocks. A nil *Wakeup ignores notifications.
func (w *Wakeup) Notify() {
	if w == nil {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *Wakeup) C() <-chan struct{} {
	return w.ch
}
