package multiplex

import (
	"sync"
)

type StatsListenerFunction = func(byteCount ByteCount)

// byte tap on one transport
// listeners are multiply observable. The session installs a forwarding
// listener pair on at most one client tracker at a time.
type StatsTracker struct {
	stateLock sync.Mutex

	incomingByteCount ByteCount
	outgoingByteCount ByteCount

	incomingCallbacks *CallbackList[StatsListenerFunction]
	outgoingCallbacks *CallbackList[StatsListenerFunction]
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		incomingCallbacks: NewCallbackList[StatsListenerFunction](),
		outgoingCallbacks: NewCallbackList[StatsListenerFunction](),
	}
}

func (self *StatsTracker) RecordIncoming(byteCount ByteCount) {
	self.stateLock.Lock()
	self.incomingByteCount += byteCount
	self.stateLock.Unlock()

	for _, callback := range self.incomingCallbacks.Get() {
		callback(byteCount)
	}
}

func (self *StatsTracker) RecordOutgoing(byteCount ByteCount) {
	self.stateLock.Lock()
	self.outgoingByteCount += byteCount
	self.stateLock.Unlock()

	for _, callback := range self.outgoingCallbacks.Get() {
		callback(byteCount)
	}
}

func (self *StatsTracker) AddIncomingListener(callback StatsListenerFunction) func() {
	callbackId := self.incomingCallbacks.Add(callback)
	return func() {
		self.incomingCallbacks.Remove(callbackId)
	}
}

func (self *StatsTracker) AddOutgoingListener(callback StatsListenerFunction) func() {
	callbackId := self.outgoingCallbacks.Add(callback)
	return func() {
		self.outgoingCallbacks.Remove(callbackId)
	}
}

func (self *StatsTracker) TotalIncoming() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.incomingByteCount
}

func (self *StatsTracker) TotalOutgoing() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.outgoingByteCount
}
