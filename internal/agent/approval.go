package agent

import (
	"context"
	"sync"
)

// approvalGate parks side-effecting tool calls until the user answers.
// One waiter per call ID; Approve/Reject resolve it, abort drains all.
type approvalGate struct {
	mu      sync.Mutex
	waiters map[string]chan bool
}

func newApprovalGate() *approvalGate {
	return &approvalGate{waiters: make(map[string]chan bool)}
}

// Await blocks until the call is approved or rejected, or the context
// is cancelled.
func (g *approvalGate) Await(ctx context.Context, callID string) (bool, error) {
	ch := make(chan bool, 1)
	g.mu.Lock()
	g.waiters[callID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.waiters, callID)
		g.mu.Unlock()
	}()

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers a waiting call. Returns false if nothing is waiting
// under that ID.
func (g *approvalGate) Resolve(callID string, approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiters[callID]
	if !ok {
		return false
	}
	delete(g.waiters, callID)
	ch <- approved
	return true
}
