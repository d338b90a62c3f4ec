package multiplex

import (
	"fmt"
)

// session phase state machine is:
// SessionPhaseHandshake
//
//	-> SessionPhaseSync
//	  -> SessionPhaseExecution
//	    -> SessionPhaseClosed (terminal)
type SessionPhase string

const (
	SessionPhaseHandshake SessionPhase = "Handshake"
	SessionPhaseSync      SessionPhase = "Sync"
	SessionPhaseExecution SessionPhase = "Execution"
	SessionPhaseClosed    SessionPhase = "Closed"
)

func (self SessionPhase) rank() int {
	switch self {
	case SessionPhaseHandshake:
		return 0
	case SessionPhaseSync:
		return 1
	case SessionPhaseExecution:
		return 2
	case SessionPhaseClosed:
		return 3
	default:
		return -1
	}
}

func (self SessionPhase) Reached(phase SessionPhase) bool {
	return phase.rank() <= self.rank()
}

// handshake phase against the app: the app opens with `handshake`, the
// session answers `handshake-reply` carrying the session id
type SessionHandshake struct {
	*Protocol

	session *Session
}

func NewSessionHandshake(session *Session) *SessionHandshake {
	handshake := &SessionHandshake{
		Protocol: NewProtocol("session-handshake", session.AppTransport()),
		session:  session,
	}
	handshake.SetHandler(PayloadTypeHandshake, handshake.recvHandshake)
	return handshake
}

func (self *SessionHandshake) recvHandshake(payload Payload, message *Message) {
	if version, ok := payload["protocolVersion"].(float64); ok {
		if CurrentProtocolVersion < int(version) {
			self.Reject(fmt.Errorf("Unsupported protocol version %d.", int(version)))
			return
		}
	}
	if err := self.SendReply(message, Payload{
		"type":            PayloadTypeHandshakeReply,
		"sessionId":       self.session.SessionId(),
		"protocolVersion": CurrentProtocolVersion,
	}); err != nil {
		self.Reject(err)
		return
	}
	self.Resolve()
}

// sync phase against the app: the app pushes its current world state through
// the rules table into the cache until it sends `sync-complete`
type SessionSync struct {
	*Protocol

	session *Session
}

func NewSessionSync(session *Session) *SessionSync {
	sync := &SessionSync{
		Protocol: NewProtocol("session-sync", session.AppTransport()),
		session:  session,
	}
	sync.SetHandler(PayloadTypeSyncComplete, func(payload Payload, message *Message) {
		sync.Resolve()
	})
	sync.SetDefaultHandler(func(payload Payload, message *Message) {
		sync.session.receiveFromApp(message)
	})
	sync.SetReplyFallback(func(payload Payload, message *Message) {
		sync.session.receiveAppReply(message)
	})
	return sync
}

// steady state against the app: forward app traffic to the clients, answer
// app heartbeats. The phase ends when the app transport closes.
type SessionExecution struct {
	*Protocol

	session *Session
}

func NewSessionExecution(session *Session) *SessionExecution {
	execution := &SessionExecution{
		Protocol: NewProtocol("session-execution", session.AppTransport()),
		session:  session,
	}
	execution.SetHandler(PayloadTypeHeartbeat, func(payload Payload, message *Message) {
		execution.SendReply(message, Payload{"type": PayloadTypeHeartbeatReply})
	})
	execution.SetDefaultHandler(func(payload Payload, message *Message) {
		execution.session.receiveFromApp(message)
	})
	execution.SetReplyFallback(func(payload Payload, message *Message) {
		execution.session.receiveAppReply(message)
	})
	return execution
}
