package multiplex

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const SessionInboxSize = 256

type SessionSettings struct {
	AppHandshakeTimeout time.Duration
	ClientSettings      *ClientSettings
	// bound on remembered client request -> client routes for app replies
	ReplyRouteLimit int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		AppHandshakeTimeout: 30 * time.Second,
		ClientSettings:      DefaultClientSettings(),
		ReplyRouteLimit:     1024,
	}
}

type clientEnvelope struct {
	client  *Client
	message *Message
}

// one logical session: one app endpoint upstream, any number of engine
// clients downstream. The session owns the app transport and all clients,
// runs its three phases against the app, maintains the sync cache, and routes
// messages through the rules table.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId         string
	appTransport      Transport
	peerAuthoritative bool

	rules    *Rules
	cache    *SyncCache
	settings *SessionSettings

	phaseMonitor *Monitor

	stateLock             sync.Mutex
	phase                 SessionPhase
	clients               map[Id]*Client
	authoritativeClientId Id
	authoritativeUnsubs   []func()
	appProtocol           *Protocol
	replyRoutes           map[Id]Id
	replyRouteOrder       []Id

	// serializes queue-vs-send decisions against the execution transition
	// so queued messages drain before any direct send
	routeLock sync.Mutex

	inbox chan *clientEnvelope

	closeCallbacks *CallbackList[CloseFunction]
	closeOnce      sync.Once
}

func NewSessionWithDefaults(
	ctx context.Context,
	sessionId string,
	appTransport Transport,
	peerAuthoritative bool,
) *Session {
	return NewSession(ctx, sessionId, appTransport, peerAuthoritative, DefaultRules(), DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	sessionId string,
	appTransport Transport,
	peerAuthoritative bool,
	rules *Rules,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:               cancelCtx,
		cancel:            cancel,
		sessionId:         sessionId,
		appTransport:      appTransport,
		peerAuthoritative: peerAuthoritative,
		rules:             rules,
		cache:             NewSyncCache(),
		settings:          settings,
		phaseMonitor:      NewMonitor(),
		phase:             SessionPhaseHandshake,
		clients:           map[Id]*Client{},
		replyRoutes:       map[Id]Id{},
		inbox:             make(chan *clientEnvelope, SessionInboxSize),
		closeCallbacks:    NewCallbackList[CloseFunction](),
	}
	go session.run()
	go session.drainInbox()
	return session
}

func (self *Session) SessionId() string {
	return self.sessionId
}

func (self *Session) AppTransport() Transport {
	return self.appTransport
}

func (self *Session) PeerAuthoritative() bool {
	return self.peerAuthoritative
}

func (self *Session) Cache() *SyncCache {
	return self.cache
}

func (self *Session) Rules() *Rules {
	return self.rules
}

func (self *Session) Phase() SessionPhase {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.phase
}

func (self *Session) advancePhase(phase SessionPhase) {
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
		glog.V(1).Infof("[s]%s phase=%s\n", self.sessionId, phase)
		self.phaseMonitor.NotifyAll()
	}
}

func (self *Session) AddCloseCallback(callback CloseFunction) func() {
	callbackId := self.closeCallbacks.Add(callback)
	return func() {
		self.closeCallbacks.Remove(callbackId)
	}
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

// the three-phase machine against the app
func (self *Session) run() {
	defer self.Disconnect()

	handshake := NewSessionHandshake(self)
	self.setAppProtocol(handshake.Protocol)
	handshakeCtx, handshakeCancel := context.WithTimeout(self.ctx, self.settings.AppHandshakeTimeout)
	err := handshake.Run(handshakeCtx)
	handshakeCancel()
	if err != nil {
		glog.Infof("[s]%s app handshake error = %s\n", self.sessionId, err)
		return
	}
	self.advancePhase(SessionPhaseSync)

	syncPhase := NewSessionSync(self)
	self.setAppProtocol(syncPhase.Protocol)
	if err := syncPhase.Run(self.ctx); err != nil {
		glog.Infof("[s]%s app sync error = %s\n", self.sessionId, err)
		return
	}

	execution := NewSessionExecution(self)
	self.setAppProtocol(execution.Protocol)
	self.advancePhase(SessionPhaseExecution)
	if err := execution.Run(self.ctx); err != nil && err != errConnectionClosed {
		glog.Infof("[s]%s app execution error = %s\n", self.sessionId, err)
	}
}

func (self *Session) drainInbox() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case envelope := <-self.inbox:
			self.receiveFromClient(envelope.client, envelope.message)
		}
	}
}

func (self *Session) setAppProtocol(protocol *Protocol) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.appProtocol = protocol
}

func (self *Session) activeAppProtocol() *Protocol {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.appProtocol
}

// waits until the session has reached execution or closed
func (self *Session) waitForExecution(ctx context.Context) bool {
	for {
		notify := self.phaseMonitor.NotifyChannel()
		phase := self.Phase()
		if phase == SessionPhaseClosed {
			return false
		}
		if phase.Reached(SessionPhaseExecution) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-self.ctx.Done():
			return false
		case <-notify:
		case <-time.After(DrainPollTimeout):
		}
	}
}

// clients

func (self *Session) AddClient(transport Transport) *Client {
	client := NewClient(self.ctx, transport, self.rules, self.settings.ClientSettings)

	self.stateLock.Lock()
	self.clients[client.ClientId()] = client
	self.stateLock.Unlock()

	glog.V(1).Infof("[s]%s client join %s order=%d\n", self.sessionId, client.ClientId(), client.Order())

	// on first client join, that client becomes authoritative
	if self.peerAuthoritative && self.AuthoritativeClient() == nil {
		self.ElectAuthoritative(client.ClientId())
	}

	go self.runClient(client)
	return client
}

// the per-client phase machine. Any phase failure closes the transport and
// removes the client.
func (self *Session) runClient(client *Client) {
	defer self.removeClient(client)

	handshake := NewClientHandshake(client, self.sessionId, self.settings.ClientSettings)
	if err := handshake.Run(self.ctx); err != nil {
		glog.Infof("[s]%s client %s handshake error = %s\n", self.sessionId, client.ClientId(), err)
		return
	}

	// the cache is complete only once the session itself reached execution
	if !self.waitForExecution(self.ctx) {
		return
	}

	client.advancePhase(ClientPhaseSync)
	clientSync := NewClientSync(client, self)
	if err := clientSync.Run(self.ctx); err != nil {
		glog.Infof("[s]%s client %s sync error = %s\n", self.sessionId, client.ClientId(), err)
		return
	}

	execution := NewClientExecution(client, func(message *Message) {
		select {
		case <-self.ctx.Done():
		case self.inbox <- &clientEnvelope{client: client, message: message}:
		}
	})
	self.startClientExecution(client)
	if err := execution.Run(self.ctx); err != nil && err != errConnectionClosed {
		glog.Infof("[s]%s client %s execution error = %s\n", self.sessionId, client.ClientId(), err)
	}
}

// transitions the client to execution and drains its queue in enqueue order.
// the route lock keeps fan-out from sending directly before the queue drained.
func (self *Session) startClientExecution(client *Client) {
	func() {
		self.routeLock.Lock()
		defer self.routeLock.Unlock()

		client.advancePhase(ClientPhaseExecution)
		drained := client.FilterQueuedMessages(func(message *Message) bool {
			return true
		})
		for _, queued := range drained {
			client.SendMessage(queued.message, queued.promise, 0)
		}
		glog.V(1).Infof("[s]%s client %s queue drained count=%d\n", self.sessionId, client.ClientId(), len(drained))
	}()

	if self.peerAuthoritative && self.AuthoritativeClient() == nil {
		self.ElectAuthoritative(client.ClientId())
	}
}

func (self *Session) removeClient(client *Client) {
	client.Close()

	self.stateLock.Lock()
	if _, ok := self.clients[client.ClientId()]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.clients, client.ClientId())
	wasAuthoritative := self.authoritativeClientId == client.ClientId()
	remaining := len(self.clients)
	for messageId, clientId := range self.replyRoutes {
		if clientId == client.ClientId() {
			delete(self.replyRoutes, messageId)
		}
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[s]%s client leave %s\n", self.sessionId, client.ClientId())

	if userId := client.UserId(); userId != "" {
		self.cache.UserLeft(userId)
		self.SendToApp(NewMessage(Payload{
			"type":   PayloadTypeUserLeft,
			"userId": userId,
		}), nil, 0)
	}

	if wasAuthoritative {
		self.uninstallStatsForwarding()
		self.setAuthoritative(nil)
		if next := self.nextAuthoritative(); next != nil {
			self.ElectAuthoritative(next.ClientId())
		}
	}

	// when the last client leaves, the session closes the app transport
	// and terminates
	if remaining == 0 {
		self.Disconnect()
	}
}

// iteration order is by `Client.order` ascending
func (self *Session) OrderedClients() []*Client {
	self.stateLock.Lock()
	clients := maps.Values(self.clients)
	self.stateLock.Unlock()

	slices.SortFunc(clients, func(a *Client, b *Client) int {
		return int(a.Order()) - int(b.Order())
	})
	return clients
}

func (self *Session) Client(clientId Id) *Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.clients[clientId]
}

// blocks until the named client has reached execution or closed.
// a client no longer in the session counts as closed.
func (self *Session) WaitForClientExecutionOrClose(ctx context.Context, clientId Id) ClientPhase {
	client := self.Client(clientId)
	if client == nil {
		return ClientPhaseClosed
	}
	return client.WaitForExecutionOrClose(ctx)
}

func (self *Session) ClientCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.clients)
}

// authoritative election

func (self *Session) AuthoritativeClient() *Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.authoritativeClientId.IsZero() {
		return nil
	}
	return self.clients[self.authoritativeClientId]
}

// the next client with phase execution, ordered by `Client.order` ascending
func (self *Session) nextAuthoritative() *Client {
	for _, client := range self.OrderedClients() {
		if client.Phase() == ClientPhaseExecution {
			return client
		}
	}
	return nil
}

// ElectAuthoritative makes the named client the one authoritative peer and
// moves the stats forwarding listeners onto its transport.
// electing a nonexistent client is logged and changes nothing.
func (self *Session) ElectAuthoritative(clientId Id) {
	if !self.peerAuthoritative {
		glog.Errorf("[s]%s election with app authoritative\n", self.sessionId)
		return
	}

	var client *Client
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		client = self.clients[clientId]
	}()
	if client == nil {
		glog.Errorf("[s]%s electing nonexistent client %s\n", self.sessionId, clientId)
		return
	}

	previous := self.AuthoritativeClient()
	if previous != nil {
		if previous.ClientId() == clientId {
			return
		}
		previous.setAuthoritative(false)
	}
	self.uninstallStatsForwarding()
	self.setAuthoritative(client)
	self.installStatsForwarding(client)

	glog.V(1).Infof("[s]%s authoritative=%s order=%d\n", self.sessionId, client.ClientId(), client.Order())
}

func (self *Session) setAuthoritative(client *Client) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if client == nil {
		self.authoritativeClientId = Id{}
	} else {
		client.setAuthoritative(true)
		self.authoritativeClientId = client.ClientId()
	}
}

// only the authoritative client's byte events reach the app transport's tracker
func (self *Session) installStatsForwarding(client *Client) {
	clientStats := client.Transport().Stats()
	appStats := self.appTransport.Stats()
	unsubIncoming := clientStats.AddIncomingListener(func(byteCount ByteCount) {
		appStats.RecordIncoming(byteCount)
	})
	unsubOutgoing := clientStats.AddOutgoingListener(func(byteCount ByteCount) {
		appStats.RecordOutgoing(byteCount)
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.authoritativeUnsubs = []func(){unsubIncoming, unsubOutgoing}
}

func (self *Session) uninstallStatsForwarding() {
	self.stateLock.Lock()
	unsubs := self.authoritativeUnsubs
	self.authoritativeUnsubs = nil
	self.stateLock.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// routing

// an app message fans out to every client: queued before execution,
// sent directly after. Each client gets a shallow-cloned envelope.
func (self *Session) receiveFromApp(message *Message) {
	message = self.rules.Get(message.PayloadType()).beforeReceiveFromApp(self, message)
	if message == nil {
		return
	}
	self.SendToClients(message, nil)
}

// an app reply routes back to the one client whose request it answers
func (self *Session) receiveAppReply(message *Message) {
	self.stateLock.Lock()
	clientId, ok := self.replyRoutes[*message.ReplyToId]
	if ok {
		delete(self.replyRoutes, *message.ReplyToId)
	}
	self.stateLock.Unlock()
	if !ok {
		glog.V(1).Infof("[s]%s unroutable app reply %s\n", self.sessionId, *message.ReplyToId)
		return
	}
	if client := self.Client(clientId); client != nil {
		client.SendMessage(message, nil, 0)
	}
}

// a client message runs the type's client-receive rule and forwards upstream.
// ids are preserved across forwarding so reply correlation happens at the
// endpoints.
func (self *Session) receiveFromClient(client *Client, message *Message) {
	message = self.rules.Get(message.PayloadType()).beforeReceiveFromClient(self, client, message)
	if message == nil {
		return
	}
	if !message.IsReply() {
		self.recordReplyRoute(message.Id, client.ClientId())
	}
	self.SendToApp(message, nil, 0)
}

func (self *Session) recordReplyRoute(messageId Id, clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.replyRoutes[messageId]; ok {
		return
	}
	self.replyRoutes[messageId] = clientId
	self.replyRouteOrder = append(self.replyRouteOrder, messageId)
	for self.settings.ReplyRouteLimit < len(self.replyRouteOrder) {
		oldest := self.replyRouteOrder[0]
		self.replyRouteOrder = self.replyRouteOrder[1:]
		delete(self.replyRoutes, oldest)
	}
}

func (self *Session) SendToApp(message *Message, promise *Deferred, timeout time.Duration) error {
	protocol := self.activeAppProtocol()
	if protocol == nil {
		if promise != nil {
			promise.Reject(errConnectionClosed)
		}
		return errConnectionClosed
	}
	return protocol.SendMessage(message, promise, timeout)
}

// SendToClients fans one message out to the filtered clients in stable order.
// each client receives a shallow-cloned envelope so per-client rewrites do
// not cross-contaminate.
func (self *Session) SendToClients(message *Message, filter func(client *Client) bool) {
	self.routeLock.Lock()
	defer self.routeLock.Unlock()

	for _, client := range self.OrderedClients() {
		if filter != nil && !filter(client) {
			continue
		}
		clone := message.ShallowClone()
		if client.Phase() == ClientPhaseExecution {
			client.SendMessage(clone, nil, 0)
		} else if client.Phase() != ClientPhaseClosed {
			client.QueueMessage(self, clone, nil)
		}
	}
}

func (self *Session) SendPayloadToClients(payload Payload, filter func(client *Client) bool) {
	self.SendToClients(NewMessage(payload), filter)
}

// Disconnect closes the app transport, terminates every client, and emits
// close to the owner
func (self *Session) Disconnect() {
	self.closeOnce.Do(func() {
		self.advancePhase(SessionPhaseClosed)
		self.appTransport.Close()
		self.cancel()

		self.stateLock.Lock()
		clients := maps.Values(self.clients)
		self.clients = map[Id]*Client{}
		self.stateLock.Unlock()
		for _, client := range clients {
			client.Close()
		}

		glog.V(1).Infof("[s]%s close\n", self.sessionId)
		for _, callback := range self.closeCallbacks.Get() {
			callback()
		}
	})
}
