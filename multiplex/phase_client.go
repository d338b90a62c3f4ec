package multiplex

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// protocol version spoken on the wire
// the handshake rejects clients that require a newer major version
const CurrentProtocolVersion = 1

// handshake phase against one engine client:
// send `handshake`, await the reply within the handshake timeout, then wait
// for `handshake-complete` which carries the user id
type ClientHandshake struct {
	*Protocol

	client    *Client
	sessionId string
	settings  *ClientSettings
}

func NewClientHandshake(client *Client, sessionId string, settings *ClientSettings) *ClientHandshake {
	handshake := &ClientHandshake{
		Protocol:  NewProtocol("client-handshake", client.Transport()),
		client:    client,
		sessionId: sessionId,
		settings:  settings,
	}
	handshake.SetHandler(PayloadTypeHandshakeComplete, handshake.recvHandshakeComplete)
	handshake.SetHandler(PayloadTypeHeartbeat, handshake.recvHeartbeat)
	return handshake
}

func (self *ClientHandshake) Run(ctx context.Context) error {
	self.client.setActiveProtocol(self.Protocol)

	promise := NewDeferred()
	err := self.SendMessage(
		NewMessage(Payload{
			"type":            PayloadTypeHandshake,
			"sessionId":       self.sessionId,
			"protocolVersion": CurrentProtocolVersion,
		}),
		promise,
		self.settings.HandshakeTimeout,
	)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-promise.Done():
		}
		payload, _, err := promise.Result()
		if err != nil {
			self.Reject(err)
			return
		}
		if version, ok := payload["protocolVersion"].(float64); ok {
			if CurrentProtocolVersion < int(version) {
				self.Reject(fmt.Errorf("Unsupported protocol version %d.", int(version)))
				return
			}
		}
		if userId := payload.String("userId"); userId != "" {
			self.client.setUserId(userId)
		}
	}()

	return self.Protocol.Run(ctx)
}

func (self *ClientHandshake) recvHandshakeComplete(payload Payload, message *Message) {
	if userId := payload.String("userId"); userId != "" {
		self.client.setUserId(userId)
	}
	self.Resolve()
}

func (self *ClientHandshake) recvHeartbeat(payload Payload, message *Message) {
	self.SendReply(message, Payload{"type": PayloadTypeHeartbeatReply})
}

// sync phase against one engine client:
// replays the session's merged world state in cache order, sends
// `sync-complete`, drains outstanding replies, and resolves
type ClientSync struct {
	*Protocol

	client  *Client
	session *Session
}

func NewClientSync(client *Client, session *Session) *ClientSync {
	sync := &ClientSync{
		Protocol: NewProtocol("client-sync", client.Transport()),
		client:   client,
		session:  session,
	}
	sync.SetHandler(PayloadTypeHeartbeat, sync.recvHeartbeat)
	// the engine may echo replies to replayed creators. Those replies already
	// reached the session through the authoritative client.
	sync.SetReplyFallback(func(payload Payload, message *Message) {
		glog.V(2).Infof("[c]%s sync reply %s\n", sync.client.ClientId(), message.PayloadType())
	})
	return sync
}

func (self *ClientSync) Run(ctx context.Context) error {
	self.client.setActiveProtocol(self.Protocol)

	go func() {
		if err := self.replay(); err != nil {
			self.Reject(err)
			return
		}
		if err := self.SendPayload(Payload{"type": PayloadTypeSyncComplete}); err != nil {
			self.Reject(err)
			return
		}
		self.DrainReplies(ctx)
		self.Resolve()
	}()

	return self.Protocol.Run(ctx)
}

func (self *ClientSync) replay() error {
	messages := self.session.Cache().Snapshot(self.client.UserId())
	sent := 0
	for _, message := range messages {
		// the pre-queue rule applies to replay the same way it applies to
		// live traffic queued for a joining client
		message = self.session.Rules().Get(message.PayloadType()).beforeQueueForClient(self.session, self.client, message)
		if message == nil {
			continue
		}
		if err := self.SendMessage(message, nil, 0); err != nil {
			return err
		}
		sent += 1
	}
	glog.V(1).Infof("[c]%s sync replay count=%d\n", self.client.ClientId(), sent)
	return nil
}

func (self *ClientSync) recvHeartbeat(payload Payload, message *Message) {
	self.SendReply(message, Payload{"type": PayloadTypeHeartbeatReply})
}

// steady state against one engine client: bidirectional forwarding
// inbound messages are delivered to the session's inbox. The phase ends when
// the transport closes.
type ClientExecution struct {
	*Protocol

	client *Client
}

func NewClientExecution(client *Client, receive func(message *Message)) *ClientExecution {
	execution := &ClientExecution{
		Protocol: NewProtocol("client-execution", client.Transport()),
		client:   client,
	}
	execution.SetHandler(PayloadTypeHeartbeat, execution.recvHeartbeat)
	execution.SetDefaultHandler(func(payload Payload, message *Message) {
		receive(message)
	})
	execution.SetReplyFallback(func(payload Payload, message *Message) {
		receive(message)
	})
	return execution
}

func (self *ClientExecution) Run(ctx context.Context) error {
	self.client.setActiveProtocol(self.Protocol)

	if timeout := self.client.settings.HeartbeatTimeout; 0 < timeout {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-self.completion.Done():
					return
				case <-time.After(timeout):
					promise := NewDeferred()
					self.SendMessage(NewMessage(Payload{"type": PayloadTypeHeartbeat}), promise, timeout)
					select {
					case <-ctx.Done():
						return
					case <-promise.Done():
					}
				}
			}
		}()
	}

	return self.Protocol.Run(ctx)
}

func (self *ClientExecution) recvHeartbeat(payload Payload, message *Message) {
	self.SendReply(message, Payload{"type": PayloadTypeHeartbeatReply})
}
