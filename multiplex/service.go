package multiplex

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"golang.org/x/exp/maps"
)

// dials the upstream app for a session with no parked app transport
type AppConnectorFunction = func(ctx context.Context, sessionId string) (Transport, error)

type ServiceSettings struct {
	PeerAuthoritative bool
	SessionSettings   *SessionSettings
}

func DefaultServiceSettings() *ServiceSettings {
	return &ServiceSettings{
		PeerAuthoritative: true,
		SessionSettings:   DefaultSessionSettings(),
	}
}

// accepts app and client transports and maps them onto sessions.
// multiple clients sharing a session id share a session. A session is created
// when its first client arrives and removed when it closes.
type SessionService struct {
	ctx    context.Context
	cancel context.CancelFunc

	appConnector AppConnectorFunction
	settings     *ServiceSettings

	stateLock   sync.Mutex
	sessions    map[string]*Session
	pendingApps map[string]Transport
}

func NewSessionServiceWithDefaults(ctx context.Context, appConnector AppConnectorFunction) *SessionService {
	return NewSessionService(ctx, appConnector, DefaultServiceSettings())
}

func NewSessionService(
	ctx context.Context,
	appConnector AppConnectorFunction,
	settings *ServiceSettings,
) *SessionService {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionService{
		ctx:          cancelCtx,
		cancel:       cancel,
		appConnector: appConnector,
		settings:     settings,
		sessions:     map[string]*Session{},
		pendingApps:  map[string]Transport{},
	}
}

// the session id from the transport header, else a fresh one
func (self *SessionService) sessionIdFor(transport Transport) string {
	if sessionId := transport.Header(SessionIdHeader); sessionId != "" {
		return sessionId
	}
	return uuid.NewString()
}

// AcceptApp parks an app transport until the session's first client arrives.
// a second app transport for the same id replaces the first.
func (self *SessionService) AcceptApp(transport Transport) string {
	sessionId := self.sessionIdFor(transport)

	self.stateLock.Lock()
	previous := self.pendingApps[sessionId]
	self.pendingApps[sessionId] = transport
	self.stateLock.Unlock()

	if previous != nil {
		glog.Infof("[svc]replace pending app session=%s\n", sessionId)
		previous.Close()
	}
	glog.V(1).Infof("[svc]app accepted session=%s\n", sessionId)
	return sessionId
}

// AcceptClient joins the transport to its session, creating the session on
// first arrival from the parked app transport or the app connector
func (self *SessionService) AcceptClient(transport Transport) (*Session, *Client, error) {
	sessionId := self.sessionIdFor(transport)

	self.stateLock.Lock()
	session := self.sessions[sessionId]
	var appTransport Transport
	if session == nil {
		if pending, ok := self.pendingApps[sessionId]; ok {
			appTransport = pending
			delete(self.pendingApps, sessionId)
		}
	}
	self.stateLock.Unlock()

	if session == nil {
		if appTransport == nil {
			if self.appConnector == nil {
				transport.Close()
				return nil, nil, fmt.Errorf("No app for session %s.", sessionId)
			}
			var err error
			appTransport, err = self.appConnector(self.ctx, sessionId)
			if err != nil {
				transport.Close()
				return nil, nil, err
			}
		}

		session = NewSession(
			self.ctx,
			sessionId,
			appTransport,
			self.settings.PeerAuthoritative,
			DefaultRules(),
			self.settings.SessionSettings,
		)
		session.AddCloseCallback(func() {
			self.removeSession(sessionId, session)
		})

		self.stateLock.Lock()
		if existing := self.sessions[sessionId]; existing != nil {
			// another client raced the create. Keep the first session.
			self.stateLock.Unlock()
			session.Disconnect()
			session = existing
		} else {
			self.sessions[sessionId] = session
			self.stateLock.Unlock()
		}
	}

	client := session.AddClient(transport)
	return session, client, nil
}

func (self *SessionService) removeSession(sessionId string, session *Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sessions[sessionId] == session {
		delete(self.sessions, sessionId)
	}
}

func (self *SessionService) Session(sessionId string) *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sessions[sessionId]
}

func (self *SessionService) SessionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sessions)
}

func (self *SessionService) Close() {
	self.cancel()

	self.stateLock.Lock()
	sessions := maps.Values(self.sessions)
	pending := maps.Values(self.pendingApps)
	self.sessions = map[string]*Session{}
	self.pendingApps = map[string]Transport{}
	self.stateLock.Unlock()

	for _, transport := range pending {
		transport.Close()
	}
	for _, session := range sessions {
		session.Disconnect()
	}
}
