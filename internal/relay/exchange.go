package relay

import (
	"context"
	"sync"
	"time"
)

const (
	// Buffered results older than this are evicted by the sweeper.
	ResultTTL = 10 * time.Minute

	sweepInterval = time.Minute

	MinWaitTimeout     = time.Second
	MaxWaitTimeout     = 30 * time.Second
	DefaultWaitTimeout = 25 * time.Second
)

// ClampTimeout converts a client-suggested poll timeout in milliseconds to a
// duration bounded to [MinWaitTimeout, MaxWaitTimeout]. Zero or negative
// values select the default.
func ClampTimeout(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return DefaultWaitTimeout
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout < MinWaitTimeout {
		return MinWaitTimeout
	}
	if timeout > MaxWaitTimeout {
		return MaxWaitTimeout
	}
	return timeout
}

type pendingResult struct {
	payload   Response
	createdAt time.Time
}

type waiter struct {
	clientRequestID string
	conversationID  string
	ch              chan Response
	removed         bool
}

// Exchange matches workflow-engine callback responses to blocked pollers.
// Results that arrive before any poller are buffered for up to ResultTTL;
// pollers that arrive before their result block until delivery, timeout, or
// caller disconnect, whichever comes first.
//
// A single mutex guards the result maps and the waiter collections. Every
// lookup-then-act sequence (poll-side check-buffer-else-register and
// callback-side match-else-buffer) runs under one lock acquisition, so no
// concurrent handler can interleave between the check and the act.
type Exchange struct {
	mu            sync.Mutex
	results       map[string]*pendingResult
	resultsByConv map[string]string
	waiters       map[string]map[*waiter]struct{}
	waitersByConv map[string]map[*waiter]struct{}
	all           map[*waiter]struct{}

	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

func NewExchange() *Exchange {
	e := &Exchange{
		results:       map[string]*pendingResult{},
		resultsByConv: map[string]string{},
		waiters:       map[string]map[*waiter]struct{}{},
		waitersByConv: map[string]map[*waiter]struct{}{},
		all:           map[*waiter]struct{}{},
		now:           time.Now,
		done:          make(chan struct{}),
	}
	go e.sweepLoop()
	return e
}

// Close stops the background sweeper. Waiters still blocked in Await are left
// to their own timeouts.
func (e *Exchange) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// Stats reports live counts for the status endpoint.
type Stats struct {
	Waiters         int `json:"waiters"`
	BufferedResults int `json:"bufferedResults"`
	Conversations   int `json:"conversations"`
}

func (e *Exchange) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Waiters:         len(e.all),
		BufferedResults: len(e.results),
		Conversations:   len(e.waitersByConv),
	}
}

// HandleCallback resolves a normalized response against registered waiters,
// first match wins:
//
//  1. waiters registered under the payload's clientRequestId, delivered
//     verbatim (a retried poll may have registered duplicates; all get it);
//  2. waiters registered under the payload's conversationId;
//  3. the single outstanding waiter process-wide, with data.clientRequestId
//     rewritten to that waiter's id;
//  4. otherwise the result is buffered for a later poll to claim.
//
// Returns the number of waiters the payload was delivered to.
func (e *Exchange) HandleCallback(resp Response) int {
	id := resp.Data.ClientRequestID
	convID := resp.Data.ConversationID

	e.mu.Lock()
	var targets []*waiter
	rewrite := false
	switch {
	case len(e.waiters[id]) > 0:
		for w := range e.waiters[id] {
			targets = append(targets, w)
		}
		e.dropResultLocked(id, convID)
	case convID != "" && len(e.waitersByConv[convID]) > 0:
		for w := range e.waitersByConv[convID] {
			targets = append(targets, w)
		}
	case len(e.all) == 1:
		for w := range e.all {
			targets = append(targets, w)
		}
		rewrite = true
	default:
		e.putLocked(id, convID, resp)
		e.mu.Unlock()
		return 0
	}
	for _, w := range targets {
		e.removeWaiterLocked(w)
	}
	e.mu.Unlock()

	for _, w := range targets {
		out := resp
		if rewrite {
			out.Data.ClientRequestID = w.clientRequestID
		}
		// Capacity-1 channel; at most one send per waiter because removal
		// above detached it from every collection under the lock.
		w.ch <- out
	}
	return len(targets)
}

// Await is the poll side. Under a single lock acquisition it first tries the
// buffered results (exact request id, then conversation id, then the single
// outstanding result regardless of id); only when none match does it register
// a waiter and block until delivery, the timeout, or ctx cancellation.
//
// The bool result is false only when ctx was cancelled before anything could
// be returned (the caller is gone). A timeout produces ok=true with a
// {success:false, error:"timeout"} response: an expected outcome, not a fault.
func (e *Exchange) Await(ctx context.Context, clientRequestID, conversationID string, timeout time.Duration) (Response, bool) {
	e.mu.Lock()
	if res, ok := e.takeResultLocked(clientRequestID, conversationID); ok {
		e.mu.Unlock()
		return res, true
	}
	w := &waiter{
		clientRequestID: clientRequestID,
		conversationID:  conversationID,
		ch:              make(chan Response, 1),
	}
	e.addWaiterLocked(w)
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-w.ch:
		e.cleanup(w)
		return resp, true
	case <-timer.C:
		e.cleanup(w)
		// A delivery may have raced the timer; prefer it.
		select {
		case resp := <-w.ch:
			return resp, true
		default:
		}
		return TimeoutResponse(clientRequestID, conversationID), true
	case <-ctx.Done():
		e.cleanup(w)
		return Response{}, false
	}
}

// takeResultLocked implements the poll-side fallback chain over buffered
// results. The single-result claim rewrites data.clientRequestId to the
// poller's id so correlation stays consistent from the caller's point of view.
func (e *Exchange) takeResultLocked(clientRequestID, conversationID string) (Response, bool) {
	if pending, ok := e.results[clientRequestID]; ok {
		e.dropResultLocked(clientRequestID, pending.payload.Data.ConversationID)
		return pending.payload, true
	}
	if conversationID != "" {
		if id, ok := e.resultsByConv[conversationID]; ok {
			if pending, ok := e.results[id]; ok {
				e.dropResultLocked(id, conversationID)
				return pending.payload, true
			}
			delete(e.resultsByConv, conversationID)
		}
	}
	if len(e.results) == 1 {
		for id, pending := range e.results {
			e.dropResultLocked(id, pending.payload.Data.ConversationID)
			resp := pending.payload
			resp.Data.ClientRequestID = clientRequestID
			return resp, true
		}
	}
	return Response{}, false
}

func (e *Exchange) putLocked(clientRequestID, conversationID string, resp Response) {
	// Last write wins for the buffered slot.
	e.results[clientRequestID] = &pendingResult{payload: resp, createdAt: e.now()}
	if conversationID != "" {
		e.resultsByConv[conversationID] = clientRequestID
	}
}

func (e *Exchange) dropResultLocked(clientRequestID, conversationID string) {
	delete(e.results, clientRequestID)
	if conversationID != "" && e.resultsByConv[conversationID] == clientRequestID {
		delete(e.resultsByConv, conversationID)
	}
}

func (e *Exchange) addWaiterLocked(w *waiter) {
	bucket := e.waiters[w.clientRequestID]
	if bucket == nil {
		bucket = map[*waiter]struct{}{}
		e.waiters[w.clientRequestID] = bucket
	}
	bucket[w] = struct{}{}
	if w.conversationID != "" {
		convBucket := e.waitersByConv[w.conversationID]
		if convBucket == nil {
			convBucket = map[*waiter]struct{}{}
			e.waitersByConv[w.conversationID] = convBucket
		}
		convBucket[w] = struct{}{}
	}
	e.all[w] = struct{}{}
}

// removeWaiterLocked detaches w from all three collections and deletes
// now-empty buckets. Safe to call more than once per waiter.
func (e *Exchange) removeWaiterLocked(w *waiter) {
	if w.removed {
		return
	}
	w.removed = true
	if bucket, ok := e.waiters[w.clientRequestID]; ok {
		delete(bucket, w)
		if len(bucket) == 0 {
			delete(e.waiters, w.clientRequestID)
		}
	}
	if w.conversationID != "" {
		if bucket, ok := e.waitersByConv[w.conversationID]; ok {
			delete(bucket, w)
			if len(bucket) == 0 {
				delete(e.waitersByConv, w.conversationID)
			}
		}
	}
	delete(e.all, w)
}

// cleanup is the shared teardown invoked by delivery, timeout, and caller
// disconnect. Idempotent: the first call detaches the waiter, later calls are
// no-ops.
func (e *Exchange) cleanup(w *waiter) {
	e.mu.Lock()
	e.removeWaiterLocked(w)
	e.mu.Unlock()
}

func (e *Exchange) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweep(e.now())
		}
	}
}

// sweep evicts buffered results older than ResultTTL from both maps. Side
// effect only; never fails.
func (e *Exchange) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, pending := range e.results {
		if now.Sub(pending.createdAt) > ResultTTL {
			e.dropResultLocked(id, pending.payload.Data.ConversationID)
		}
	}
}
