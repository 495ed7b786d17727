package keyspace

import "time"

// idleCadence bounds how often the expirer wakes when it finds nothing due
// to reap. Correctness never depends on this exact value (spec §4.3); it
// only bounds how stale an expired key can be before it is evicted
// eagerly (reads still enforce the invariant on their own).
const idleCadence = time.Millisecond

// Expirer is the background task described in spec §4.3: at a bounded
// cadence it pops the earliest expiry-index entry and evicts the matching
// key if its deadline has passed, skipping stale index entries lazily.
// Grounded on GoRedis's processor.periodicCleanup goroutine.
type Expirer struct {
	ks      *Keyspace
	cadence time.Duration
	stop    chan struct{}
	done    chan struct{}
}

// NewExpirer creates an Expirer bound to ks. Call Run to start it.
func NewExpirer(ks *Keyspace) *Expirer {
	return &Expirer{
		ks:      ks,
		cadence: idleCadence,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run executes the expirer loop until Stop is called. It is intended to be
// launched in its own goroutine: `go expirer.Run()`.
func (x *Expirer) Run() {
	defer close(x.done)
	ticker := time.NewTicker(x.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-x.stop:
			return
		case <-ticker.C:
			// Drain every currently-due entry before sleeping again so a
			// burst of expirations does not trail behind real time.
			for x.ks.reapExpired() {
			}
		}
	}
}

// Stop terminates the expirer and waits for its goroutine to exit,
// satisfying the spec's "terminates cleanly on process shutdown" rule.
func (x *Expirer) Stop() {
	close(x.stop)
	<-x.done
}
