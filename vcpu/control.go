package vcpu

import "sync"

// Control is the state a coordinator and its vCPU fleet share to run the
// safepoint/rendezvous protocol: an interrupt flag the coordinator raises
// to pull every vCPU out of its blocking run ioctl, a running flag the
// coordinator clears (via Stop) to tell workers to exit, and a cyclic barrier both sides wait on to agree that
// every vCPU has reached the safepoint before the coordinator touches
// shared guest state (checkpoint, migration).
type Control struct {
	running   flag
	interrupt flag
	barrier   *Barrier
}

// NewControl builds shared control state for a fleet of n vCPUs. The
// barrier has n+1 participants: the n vCPU workers plus the coordinator
// itself.
func NewControl(n int) *Control {
	c := &Control{barrier: NewBarrier(n + 1)}
	c.running.set(true)

	return c
}

// Running reports whether the fleet is still meant to be executing guest
// code. Workers check this after a safepoint to decide whether to resume
// KVM_RUN or exit.
func (c *Control) Running() bool { return c.running.get() }

// Stop clears the running flag. Idempotent.
func (c *Control) Stop() { c.running.set(false) }

// RaiseInterrupt sets the flag a vCPU worker polls after KVM_RUN returns
// EINTR to decide whether the interruption was a safepoint request.
func (c *Control) RaiseInterrupt() { c.interrupt.set(true) }

// ClearInterrupt lowers the interrupt flag, done by the coordinator after
// its critical section, just before releasing the barrier a second time.
func (c *Control) ClearInterrupt() { c.interrupt.set(false) }

// Interrupted reports whether the coordinator has requested a safepoint.
func (c *Control) Interrupted() bool { return c.interrupt.get() }

// Safepoint blocks until every fleet participant (vCPUs and coordinator)
// has called it, exactly the way the coordinator's own two Barrier.Wait
// calls bracket its critical section in VirtualMachine.rendezvousBegin and
// rendezvousEnd.
func (c *Control) Safepoint() { c.barrier.Wait() }

// flag is a data-race-free boolean shared between the coordinator
// goroutine and vCPU worker OS threads.
type flag struct {
	mu  sync.Mutex
	val bool
}

func (f *flag) set(v bool) {
	f.mu.Lock()
	f.val = v
	f.mu.Unlock()
}

func (f *flag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.val
}

// Barrier is a cyclic rendezvous point for a fixed number of
// participants: once all n have called Wait, all n are released
// together and the barrier resets for reuse.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	n          int
	count      int
	generation uint64
}

// NewBarrier builds a barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Wait blocks the calling goroutine until n participants (across however
// many Wait calls it takes) have all called Wait in the current
// generation, then releases them all at once.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.generation
	b.count++

	if b.count == b.n {
		b.count = 0
		b.generation++
		b.cond.Broadcast()

		return
	}

	for gen == b.generation {
		b.cond.Wait()
	}
}
