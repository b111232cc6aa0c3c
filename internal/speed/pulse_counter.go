package speed

import (
	"sync/atomic"
	"time"
)

const defaultIdleTimeout = 3 * time.Second

// PulseCounter turns a stream of reed-switch or hall-sensor edges into an
// instantaneous RPM. HandlePulse is wired as a GPIO edge handler, so its
// state is all atomic; readers may call RPM from any goroutine. RPM decays
// to zero when no pulse has arrived within the idle timeout, otherwise a
// stopped wheel would report its last speed forever.
type PulseCounter struct {
	idleTimeout time.Duration

	count       atomic.Int64
	lastPulseNs atomic.Int64
	intervalNs  atomic.Int64

	now func() time.Time
}

func NewPulseCounter(idleTimeout time.Duration) *PulseCounter {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &PulseCounter{idleTimeout: idleTimeout, now: time.Now}
}

// HandlePulse records one revolution edge.
func (p *PulseCounter) HandlePulse() {
	now := p.now().UnixNano()
	last := p.lastPulseNs.Swap(now)
	p.count.Add(1)
	if last > 0 && now > last {
		p.intervalNs.Store(now - last)
	}
}

// RPM derives revolutions per minute from the most recent pulse interval.
func (p *PulseCounter) RPM() float64 {
	interval := p.intervalNs.Load()
	if interval <= 0 {
		return 0
	}
	last := p.lastPulseNs.Load()
	if p.now().UnixNano()-last > p.idleTimeout.Nanoseconds() {
		return 0
	}
	return float64(time.Minute.Nanoseconds()) / float64(interval)
}

// Count is the total number of pulses seen since startup.
func (p *PulseCounter) Count() int64 {
	return p.count.Load()
}
