package robotdriver

import (
	"sync"
	"sync/atomic"
	"time"
)

// pendingRequest is one outstanding request. The wire protocol's response
// frame only echoes the command id it answers, not a separate correlation
// field, so correlation ids only exist on this side: cmdID is kept here to
// validate (and FIFO-match) an arriving response frame against the request
// that is actually waiting for it. The session epoch guards against a
// response arriving for a request issued in a prior session.
type pendingRequest struct {
	corrID   uint32
	cmdID    byte
	epoch    uint64
	deadline time.Time
	replyCh  chan frameResult
}

type frameResult struct {
	params []byte
	err    error
}

// registry is the Robot Driver's single-owner pending-request table, keyed
// by a monotonically increasing correlation id rather than the wire command
// id: two concurrent requests sharing the same command id (e.g. two
// concurrent GetPose calls, both id=10) each get their own entry instead of
// colliding. Since an arriving frame only carries the command id, per-command
// FIFO order tracks which waiting request it belongs to — the oldest
// outstanding request for that command id is always the next one answered,
// matching the protocol's synchronous request/response pairing.
type registry struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingRequest
	order   map[byte][]uint32
}

func newRegistry() *registry {
	return &registry{
		pending: make(map[uint32]*pendingRequest),
		order:   make(map[byte][]uint32),
	}
}

func (r *registry) register(cmdID byte, epoch uint64, timeout time.Duration) *pendingRequest {
	corrID := atomic.AddUint32(&r.nextID, 1)
	pr := &pendingRequest{
		corrID:   corrID,
		cmdID:    cmdID,
		epoch:    epoch,
		deadline: time.Now().Add(timeout),
		replyCh:  make(chan frameResult, 1),
	}
	r.mu.Lock()
	r.pending[corrID] = pr
	r.order[cmdID] = append(r.order[cmdID], corrID)
	r.mu.Unlock()
	return pr
}

// deliver resolves the oldest pending request registered for cmdID, provided
// its epoch matches, dropping the frame silently otherwise (stale response
// from a prior session, per the data model's Session epoch invariant, or no
// request currently awaits this command id).
func (r *registry) deliver(cmdID byte, epoch uint64, params []byte, err error) bool {
	r.mu.Lock()
	queue := r.order[cmdID]
	var pr *pendingRequest
	for len(queue) > 0 {
		corrID := queue[0]
		queue = queue[1:]
		if candidate, ok := r.pending[corrID]; ok {
			delete(r.pending, corrID)
			pr = candidate
			break
		}
	}
	if len(queue) > 0 {
		r.order[cmdID] = queue
	} else {
		delete(r.order, cmdID)
	}
	r.mu.Unlock()
	if pr == nil || pr.epoch != epoch {
		return false
	}
	pr.replyCh <- frameResult{params: params, err: err}
	return true
}

// failAll resolves every pending request with err, used on disconnect.
func (r *registry) failAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint32]*pendingRequest)
	r.order = make(map[byte][]uint32)
	r.mu.Unlock()
	for _, pr := range pending {
		pr.replyCh <- frameResult{err: err}
	}
}

// reapExpired fails and removes entries whose deadline has passed, returning
// how many were reaped.
func (r *registry) reapExpired(now time.Time, err error) int {
	r.mu.Lock()
	var expired []*pendingRequest
	for corrID, pr := range r.pending {
		if now.After(pr.deadline) {
			expired = append(expired, pr)
			delete(r.pending, corrID)
		}
	}
	if len(expired) > 0 {
		for cmdID, queue := range r.order {
			kept := queue[:0]
			for _, corrID := range queue {
				if _, stillPending := r.pending[corrID]; stillPending {
					kept = append(kept, corrID)
				}
			}
			if len(kept) == 0 {
				delete(r.order, cmdID)
			} else {
				r.order[cmdID] = kept
			}
		}
	}
	r.mu.Unlock()
	for _, pr := range expired {
		pr.replyCh <- frameResult{err: err}
	}
	return len(expired)
}
