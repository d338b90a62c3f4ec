package multiplex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// phase state machine is:
// ClientPhaseHandshake
//
//	-> ClientPhaseSync
//	  -> ClientPhaseExecution
//	    -> ClientPhaseClosed (terminal)
//
// any phase failure transitions directly to ClientPhaseClosed
type ClientPhase string

const (
	ClientPhaseHandshake ClientPhase = "Handshake"
	ClientPhaseSync      ClientPhase = "Sync"
	ClientPhaseExecution ClientPhase = "Execution"
	ClientPhaseClosed    ClientPhase = "Closed"
)

func (self ClientPhase) rank() int {
	switch self {
	case ClientPhaseHandshake:
		return 0
	case ClientPhaseSync:
		return 1
	case ClientPhaseExecution:
		return 2
	case ClientPhaseClosed:
		return 3
	default:
		return -1
	}
}

func (self ClientPhase) Reached(phase ClientPhase) bool {
	return phase.rank() <= self.rank()
}

func (self ClientPhase) IsTerminal() bool {
	return self == ClientPhaseClosed
}

// the tie-break for authoritative election
var nextClientOrder uint64

type queuedMessage struct {
	message *Message
	promise *Deferred
}

type ClientSettings struct {
	HandshakeTimeout time.Duration
	PhasePollTimeout time.Duration
	// interval for liveness heartbeats during execution. Zero disables them.
	// a heartbeat that goes unanswered for one interval closes the transport.
	HeartbeatTimeout time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		HandshakeTimeout: 30 * time.Second,
		PhasePollTimeout: DrainPollTimeout,
	}
}

// one downstream engine connection
// the client owns its transport. The session owns the client and calls into
// it; the client never holds a reference back to the session.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	order    uint64

	transport Transport
	rules     *Rules
	settings  *ClientSettings

	phaseMonitor *Monitor

	stateLock      sync.Mutex
	userId         string
	phase          ClientPhase
	authoritative  bool
	queuedMessages []*queuedMessage

	// the protocol of the active phase, used for live sends
	activeProtocol *Protocol
}

func NewClientWithDefaults(ctx context.Context, transport Transport, rules *Rules) *Client {
	return NewClient(ctx, transport, rules, DefaultClientSettings())
}

func NewClient(ctx context.Context, transport Transport, rules *Rules, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		clientId:     NewId(),
		order:        atomic.AddUint64(&nextClientOrder, 1),
		transport:    transport,
		rules:        rules,
		settings:     settings,
		phaseMonitor: NewMonitor(),
		phase:        ClientPhaseHandshake,
	}
}

func (self *Client) ClientId() Id {
	return self.clientId
}

func (self *Client) Order() uint64 {
	return self.order
}

func (self *Client) Transport() Transport {
	return self.transport
}

func (self *Client) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.userId
}

func (self *Client) setUserId(userId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.userId == "" {
		self.userId = userId
	}
}

func (self *Client) Phase() ClientPhase {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.phase
}

// the phase advances monotonically and never regresses
func (self *Client) advancePhase(phase ClientPhase) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.phase.rank() < phase.rank() {
			self.phase = phase
			changed = true
		}
	}()
	if changed {
		glog.V(1).Infof("[c]%s phase=%s\n", self.clientId, phase)
		self.phaseMonitor.NotifyAll()
	}
}

func (self *Client) Authoritative() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.authoritative
}

func (self *Client) setAuthoritative(authoritative bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.authoritative = authoritative
}

func (self *Client) setActiveProtocol(protocol *Protocol) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.activeProtocol = protocol
}

func (self *Client) ActiveProtocol() *Protocol {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.activeProtocol
}

// SendMessage sends through the active phase protocol so middleware and id
// assignment apply
func (self *Client) SendMessage(message *Message, promise *Deferred, timeout time.Duration) error {
	protocol := self.ActiveProtocol()
	if protocol == nil {
		if promise != nil {
			promise.Reject(errConnectionClosed)
		}
		return errConnectionClosed
	}
	return protocol.SendMessage(message, promise, timeout)
}

// QueueMessage runs the payload type's pre-queue rule and appends the result.
// a rule drop rejects the promise.
func (self *Client) QueueMessage(session *Session, message *Message, promise *Deferred) {
	message = self.rules.Get(message.PayloadType()).beforeQueueForClient(session, self, message)
	if message == nil {
		if promise != nil {
			promise.Reject(errMessageDropped)
		}
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.queuedMessages = append(self.queuedMessages, &queuedMessage{
		message: message,
		promise: promise,
	})
	glog.V(2).Infof("[c]%s queue %s\n", self.clientId, message.PayloadType())
}

// FilterQueuedMessages removes and returns the selected messages in enqueue
// order, leaving the rest for later drainage waves
func (self *Client) FilterQueuedMessages(predicate func(message *Message) bool) []*queuedMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	selected := []*queuedMessage{}
	remaining := []*queuedMessage{}
	for _, queued := range self.queuedMessages {
		if predicate(queued.message) {
			selected = append(selected, queued)
		} else {
			remaining = append(remaining, queued)
		}
	}
	self.queuedMessages = remaining
	return selected
}

func (self *Client) QueuedMessageCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.queuedMessages)
}

// WaitForExecutionOrClose blocks until the client has reached execution or
// closed. The wait is signaled from phase transition edges with a poll cap
// as a backstop.
func (self *Client) WaitForExecutionOrClose(ctx context.Context) ClientPhase {
	for {
		notify := self.phaseMonitor.NotifyChannel()
		phase := self.Phase()
		if phase.Reached(ClientPhaseExecution) {
			return phase
		}
		select {
		case <-ctx.Done():
			return self.Phase()
		case <-self.ctx.Done():
			return self.Phase()
		case <-notify:
		case <-time.After(self.settings.PhasePollTimeout):
		}
	}
}

// closes the transport and terminates the client
func (self *Client) Close() {
	self.advancePhase(ClientPhaseClosed)
	self.transport.Close()
	self.cancel()

	// reject queued promises that will never be sent
	self.stateLock.Lock()
	queued := self.queuedMessages
	self.queuedMessages = nil
	self.stateLock.Unlock()
	for _, q := range queued {
		if q.promise != nil {
			q.promise.Reject(errConnectionClosed)
		}
	}
}
