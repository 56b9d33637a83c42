package post

import (
	"sync"

	"github.com/helixengine/helixnet/engine/hxutils"
)

// Callback is the type of functions to be posted
type Callback func()

// Queue collects callbacks posted from any goroutine and runs them at a
// fixed point of its owner's tick. Each session owns its own queue, so
// callbacks always run on that session's loop.
type Queue struct {
	lock      sync.Mutex
	callbacks []Callback
}

// NewQueue creates an empty post queue
func NewQueue() *Queue {
	return &Queue{}
}

// Post adds a callback to be executed on the next Tick. Post may be called
// from any goroutine, including from a posted callback.
func (q *Queue) Post(f Callback) {
	q.lock.Lock()
	q.callbacks = append(q.callbacks, f)
	q.lock.Unlock()
}

// Tick runs the posted callbacks on the calling goroutine, looping until no
// callbacks are left so that posts made by callbacks run in the same tick.
// A panicking callback is logged and does not stop the rest.
func (q *Queue) Tick() {
	for {
		q.lock.Lock() // lock to check number of callbacks
		if len(q.callbacks) == 0 {
			q.lock.Unlock()
			break
		}
		// swap callbacks out in the locked section
		callbacks := q.callbacks
		q.callbacks = make([]Callback, 0, len(callbacks))
		q.lock.Unlock()

		for _, f := range callbacks {
			hxutils.RunPanicless(f)
		}
	}
}
