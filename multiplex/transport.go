package multiplex

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

// conventional header carrying the session id on an incoming client transport
const SessionIdHeader = "x-ms-mixed-reality-extension-sid"

var errConnectionClosed = errors.New("Connection closed.")

// a bidirectional, message-framed, reliable, ordered channel
// `Receive` is closed when the transport closes.
// note the transport does not interpret the payload beyond the envelope
type Transport interface {
	Send(message *Message) error
	Receive() <-chan *Message
	Close()
	Done() <-chan struct{}
	Err() error
	Header(name string) string
	Stats() *StatsTracker
}

type WebSocketTransportSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
}

func DefaultWebSocketTransportSettings() *WebSocketTransportSettings {
	return &WebSocketTransportSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingTimeout:  10 * time.Second,
	}
}

// adapts one websocket connection into a typed message stream
type WebSocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws     *websocket.Conn
	header http.Header

	settings *WebSocketTransportSettings

	send    chan *Message
	receive chan *Message

	stats *StatsTracker

	errLock sync.Mutex
	err     error
}

func NewWebSocketTransportWithDefaults(
	ctx context.Context,
	ws *websocket.Conn,
	header http.Header,
) *WebSocketTransport {
	return NewWebSocketTransport(ctx, ws, header, DefaultWebSocketTransportSettings())
}

func NewWebSocketTransport(
	ctx context.Context,
	ws *websocket.Conn,
	header http.Header,
	settings *WebSocketTransportSettings,
) *WebSocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebSocketTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		header:   header,
		settings: settings,
		send:     make(chan *Message, TransportBufferSize),
		receive:  make(chan *Message, TransportBufferSize),
		stats:    NewStatsTracker(),
	}
	go transport.run()
	return transport
}

func (self *WebSocketTransport) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	// write pump
	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				messageBytes, err := EncodeMessage(message)
				if err != nil {
					glog.Errorf("[t]encode error = %s\n", err)
					continue
				}
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.V(1).Infof("[ts]-> error = %s\n", err)
					self.setErr(err)
					return
				}
				self.stats.RecordOutgoing(ByteCount(len(messageBytes)))
			case <-time.After(self.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
					self.setErr(err)
					return
				}
			}
		}
	}()

	// read pump
	defer close(self.receive)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[tr]<- error = %s\n", err)
			self.setErr(err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(messageBytes) == 0 {
				// keepalive
				continue
			}

			message, err := DecodeMessage(messageBytes)
			if err != nil {
				glog.Errorf("[tr]decode error = %s\n", err)
				continue
			}
			self.stats.RecordIncoming(ByteCount(len(messageBytes)))

			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[tr]<- %s\n", message.PayloadType())
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[tr]drop %s<-\n", message.PayloadType())
			}
		}
	}
}

func (self *WebSocketTransport) setErr(err error) {
	self.errLock.Lock()
	defer self.errLock.Unlock()

	if self.err == nil {
		self.err = err
	}
}

func (self *WebSocketTransport) Send(message *Message) error {
	select {
	case <-self.ctx.Done():
		return errConnectionClosed
	case self.send <- message:
		return nil
	}
}

func (self *WebSocketTransport) Receive() <-chan *Message {
	return self.receive
}

func (self *WebSocketTransport) Close() {
	self.cancel()
}

func (self *WebSocketTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WebSocketTransport) Err() error {
	self.errLock.Lock()
	defer self.errLock.Unlock()

	return self.err
}

func (self *WebSocketTransport) Header(name string) string {
	if self.header == nil {
		return ""
	}
	return self.header.Get(name)
}

func (self *WebSocketTransport) Stats() *StatsTracker {
	return self.stats
}

type pipeItem struct {
	message   *Message
	byteCount ByteCount
}

// in-memory linked transport pair for tests and in-process apps
// messages are round-tripped through the codec so the two ends never alias state
type PipeTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	out     chan *pipeItem
	receive chan *Message

	stats *StatsTracker

	headerLock sync.Mutex
	header     map[string]string
}

func NewPipeTransport(ctx context.Context) (*PipeTransport, *PipeTransport) {
	cancelCtx, cancel := context.WithCancel(ctx)

	newSide := func() *PipeTransport {
		return &PipeTransport{
			ctx:     cancelCtx,
			cancel:  cancel,
			out:     make(chan *pipeItem, 1024),
			receive: make(chan *Message, 1024),
			stats:   NewStatsTracker(),
			header:  map[string]string{},
		}
	}
	a := newSide()
	b := newSide()

	// one forwarder per direction owns the peer's receive channel
	forward := func(from *PipeTransport, to *PipeTransport) {
		defer close(to.receive)
		for {
			select {
			case <-cancelCtx.Done():
				return
			case item := <-from.out:
				// count before delivery so the totals are current once the
				// receiver sees the message
				to.stats.RecordIncoming(item.byteCount)
				select {
				case <-cancelCtx.Done():
					return
				case to.receive <- item.message:
				}
			}
		}
	}
	go forward(a, b)
	go forward(b, a)

	return a, b
}

func (self *PipeTransport) Send(message *Message) error {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	decoded, err := DecodeMessage(messageBytes)
	if err != nil {
		return err
	}

	byteCount := ByteCount(len(messageBytes))
	// a closed pipe never accepts another message, even with buffer room left
	select {
	case <-self.ctx.Done():
		return errConnectionClosed
	default:
	}
	select {
	case <-self.ctx.Done():
		return errConnectionClosed
	case self.out <- &pipeItem{message: decoded, byteCount: byteCount}:
		self.stats.RecordOutgoing(byteCount)
		return nil
	}
}

func (self *PipeTransport) Receive() <-chan *Message {
	return self.receive
}

func (self *PipeTransport) Close() {
	self.cancel()
}

func (self *PipeTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *PipeTransport) Err() error {
	return nil
}

func (self *PipeTransport) SetHeader(name string, value string) {
	self.headerLock.Lock()
	defer self.headerLock.Unlock()

	self.header[name] = value
}

func (self *PipeTransport) Header(name string) string {
	self.headerLock.Lock()
	defer self.headerLock.Unlock()

	return self.header[name]
}

func (self *PipeTransport) Stats() *StatsTracker {
	return self.stats
}
