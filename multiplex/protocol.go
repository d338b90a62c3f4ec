package multiplex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DrainPollTimeout = 100 * time.Millisecond

// completion for one pending reply or one protocol phase
// resolve/reject wins once, later calls are ignored
type Deferred struct {
	done chan struct{}
	once sync.Once

	payload Payload
	message *Message
	err     error
}

func NewDeferred() *Deferred {
	return &Deferred{
		done: make(chan struct{}),
	}
}

func (self *Deferred) Resolve(payload Payload, message *Message) {
	self.once.Do(func() {
		self.payload = payload
		self.message = message
		close(self.done)
	})
}

func (self *Deferred) Reject(err error) {
	self.once.Do(func() {
		self.err = err
		close(self.done)
	})
}

func (self *Deferred) Done() <-chan struct{} {
	return self.done
}

// valid after `Done` is closed
func (self *Deferred) Result() (Payload, *Message, error) {
	return self.payload, self.message, self.err
}

// ordered middleware processed around the transport
// either hook may rewrite the message or drop it by returning nil.
// a send drop is silent. Middleware is trusted to reject the associated
// promise if one was attached.
type Middleware interface {
	BeforeSend(message *Message, promise *Deferred) *Message
	BeforeRecv(message *Message) *Message
}

type PayloadHandlerFunction = func(payload Payload, message *Message)

type outstandingReply struct {
	promise *Deferred
	timeout *time.Timer
}

type ProtocolSettings struct {
	DrainPollTimeout time.Duration
}

func DefaultProtocolSettings() *ProtocolSettings {
	return &ProtocolSettings{
		DrainPollTimeout: DrainPollTimeout,
	}
}

// the common send/recv machine under every phase:
// assigns message ids, runs the middleware chain, tracks outstanding reply
// promises with per-message timeouts, dispatches incoming messages to
// payload-typed handlers, and completes when the phase resolves or rejects
type Protocol struct {
	name      string
	transport Transport

	settings *ProtocolSettings

	stateLock          sync.Mutex
	middlewares        []Middleware
	handlers           map[string]PayloadHandlerFunction
	defaultHandler     PayloadHandlerFunction
	replyFallback      PayloadHandlerFunction
	outstandingReplies map[Id]*outstandingReply

	completion *Deferred
}

func NewProtocol(name string, transport Transport) *Protocol {
	return NewProtocolWithSettings(name, transport, DefaultProtocolSettings())
}

func NewProtocolWithSettings(name string, transport Transport, settings *ProtocolSettings) *Protocol {
	return &Protocol{
		name:               name,
		transport:          transport,
		settings:           settings,
		handlers:           map[string]PayloadHandlerFunction{},
		outstandingReplies: map[Id]*outstandingReply{},
		completion:         NewDeferred(),
	}
}

func (self *Protocol) Name() string {
	return self.name
}

func (self *Protocol) Transport() Transport {
	return self.transport
}

func (self *Protocol) AddMiddleware(middleware Middleware) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.middlewares = append(self.middlewares, middleware)
}

func (self *Protocol) SetHandler(payloadType string, handler PayloadHandlerFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.handlers[payloadType] = handler
}

// receives every payload type with no specific handler
func (self *Protocol) SetDefaultHandler(handler PayloadHandlerFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.defaultHandler = handler
}

// receives replies whose request is not outstanding on this protocol.
// the execution phases use this to forward end-to-end correlated replies
// between the app and the clients.
func (self *Protocol) SetReplyFallback(handler PayloadHandlerFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.replyFallback = handler
}

// Run is the single event loop serving this phase: it dispatches incoming
// messages until the phase resolves or rejects, then returns without
// consuming further messages. Messages arriving around the phase boundary
// stay buffered on the transport for the next phase.
// transport close rejects every outstanding reply and the phase itself.
func (self *Protocol) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.completion.Done():
			_, _, err := self.completion.Result()
			return err
		case message, ok := <-self.transport.Receive():
			if !ok {
				self.handleTransportClose()
				_, _, err := self.completion.Result()
				return err
			}
			self.RecvMessage(message)
			select {
			case <-self.completion.Done():
				_, _, err := self.completion.Result()
				return err
			default:
			}
		}
	}
}

func (self *Protocol) Resolve() {
	self.completion.Resolve(nil, nil)
}

func (self *Protocol) Reject(err error) {
	self.completion.Reject(err)
}

func (self *Protocol) handleTransportClose() {
	self.rejectOutstanding(errConnectionClosed)
	self.Reject(errConnectionClosed)
}

func (self *Protocol) rejectOutstanding(err error) {
	self.stateLock.Lock()
	outstanding := self.outstandingReplies
	self.outstandingReplies = map[Id]*outstandingReply{}
	self.stateLock.Unlock()

	for _, reply := range outstanding {
		if reply.timeout != nil {
			reply.timeout.Stop()
		}
		reply.promise.Reject(err)
	}
}

// SendMessage assigns an id if absent, runs the send middleware chain, records
// the outstanding reply when a promise is supplied, and enqueues on the
// transport. A reply timeout rejects the promise and closes the transport.
func (self *Protocol) SendMessage(message *Message, promise *Deferred, timeout time.Duration) error {
	if message.Id.IsZero() {
		message.Id = NewId()
	}

	for _, middleware := range self.middlewareChain() {
		message = middleware.BeforeSend(message, promise)
		if message == nil {
			// dropped. The middleware rejects the promise if needed.
			return nil
		}
	}

	if promise != nil {
		reply := &outstandingReply{
			promise: promise,
		}
		messageId := message.Id
		payloadType := message.PayloadType()
		if 0 < timeout {
			reply.timeout = time.AfterFunc(timeout, func() {
				if self.removeOutstanding(messageId) != nil {
					glog.Infof("[p]%s reply timeout type=%s message=%s\n", self.name, payloadType, messageId)
					promise.Reject(fmt.Errorf("Reply timeout for %q message %s.", payloadType, messageId))
					self.transport.Close()
				}
			})
		}

		self.stateLock.Lock()
		self.outstandingReplies[messageId] = reply
		self.stateLock.Unlock()
	}

	if err := self.transport.Send(message); err != nil {
		if promise != nil {
			if reply := self.removeOutstanding(message.Id); reply != nil {
				if reply.timeout != nil {
					reply.timeout.Stop()
				}
			}
			promise.Reject(err)
		}
		return err
	}
	glog.V(2).Infof("[p]%s-> %s\n", self.name, message.PayloadType())
	return nil
}

func (self *Protocol) SendPayload(payload Payload) error {
	return self.SendMessage(NewMessage(payload), nil, 0)
}

func (self *Protocol) SendReply(request *Message, payload Payload) error {
	return self.SendMessage(NewReply(request.Id, payload), nil, 0)
}

// RecvMessage runs the recv middleware chain, then correlates replies to
// outstanding promises or dispatches requests to the typed handler.
// unknown payload types and unknown correlations are logged, not fatal.
func (self *Protocol) RecvMessage(message *Message) {
	for _, middleware := range self.middlewareChain() {
		message = middleware.BeforeRecv(message)
		if message == nil {
			return
		}
	}

	if message.ReplyToId != nil {
		reply := self.removeOutstanding(*message.ReplyToId)
		if reply == nil {
			self.stateLock.Lock()
			replyFallback := self.replyFallback
			self.stateLock.Unlock()
			if replyFallback != nil {
				replyFallback(message.Payload, message)
				return
			}
			glog.Errorf("[p]%s unknown reply correlation %s\n", self.name, *message.ReplyToId)
			return
		}
		if reply.timeout != nil {
			reply.timeout.Stop()
		}
		reply.promise.Resolve(message.Payload, message)
		return
	}

	handler := self.handlerFor(message.PayloadType())
	if handler == nil {
		glog.Errorf("[p]%s unknown payload type %q\n", self.name, message.PayloadType())
		return
	}
	handler(message.Payload, message)
}

// DrainReplies completes when the outstanding-reply map is empty.
// callers must not assume a bounded wait.
func (self *Protocol) DrainReplies(ctx context.Context) {
	for {
		if self.OutstandingReplyCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.DrainPollTimeout):
		}
	}
}

func (self *Protocol) OutstandingReplyCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.outstandingReplies)
}

func (self *Protocol) middlewareChain() []Middleware {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.middlewares
}

func (self *Protocol) handlerFor(payloadType string) PayloadHandlerFunction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if handler, ok := self.handlers[payloadType]; ok {
		return handler
	}
	return self.defaultHandler
}

func (self *Protocol) removeOutstanding(messageId Id) *outstandingReply {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	reply, ok := self.outstandingReplies[messageId]
	if !ok {
		return nil
	}
	delete(self.outstandingReplies, messageId)
	return reply
}
