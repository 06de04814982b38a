package shell

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalTimeout is how long check_approval waits for a human decision
// before resolving to denied.
const ApprovalTimeout = 120 * time.Second

// AskLevel controls when run_command prompts for approval.
type AskLevel string

const (
	// AskAlways prompts for every command.
	AskAlways AskLevel = "always"
	// AskOnMiss prompts only if the command's normalized signature isn't
	// already in the approval store.
	AskOnMiss AskLevel = "on-miss"
	// AskOff never prompts.
	AskOff AskLevel = "off"
)

// ApprovalResponse is the user's resolution of a pending approval request.
type ApprovalResponse struct {
	Approved bool
	Remember bool
}

// approvalWaiter is one in-flight check_approval call.
type approvalWaiter struct {
	respCh chan ApprovalResponse
}

// Rendezvous implements the one-shot approval request/response primitive:
// a caller broadcasts a terminal_approval_request event carrying a fresh
// request id, then blocks until the user resolves it, the 120s deadline
// elapses, or a global cancel-all sweep fires.
type Rendezvous struct {
	mu      sync.Mutex
	pending map[string]*approvalWaiter
}

// NewRendezvous creates an empty approval rendezvous table.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{pending: make(map[string]*approvalWaiter)}
}

// Begin registers a new pending approval request and returns its id plus a
// function that waits for the resolution (decision, deadline, or cancel).
func (r *Rendezvous) Begin() (requestID string, wait func() ApprovalResponse) {
	id := uuid.NewString()
	waiter := &approvalWaiter{respCh: make(chan ApprovalResponse, 1)}

	r.mu.Lock()
	r.pending[id] = waiter
	r.mu.Unlock()

	wait = func() ApprovalResponse {
		defer r.forget(id)
		select {
		case resp := <-waiter.respCh:
			return resp
		case <-time.After(ApprovalTimeout):
			return ApprovalResponse{Approved: false}
		}
	}
	return id, wait
}

// Resolve delivers the user's decision for a pending request. It is a
// no-op if the request is unknown or already resolved.
func (r *Rendezvous) Resolve(requestID string, approved, remember bool) {
	r.mu.Lock()
	waiter, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter.respCh <- ApprovalResponse{Approved: approved, Remember: remember}:
	default:
	}
}

// CancelAll resolves every pending approval request to denied. It is
// idempotent — calling it with nothing pending is a no-op.
func (r *Rendezvous) CancelAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*approvalWaiter)
	r.mu.Unlock()

	for _, waiter := range pending {
		select {
		case waiter.respCh <- ApprovalResponse{Approved: false}:
		default:
		}
	}
}

func (r *Rendezvous) forget(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}
