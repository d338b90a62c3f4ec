package multiplex

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Logging convention in the `multiplex` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - reply timeouts and transport disconnects
//     - abnormal phase exits
// Error:
//     unrecoverable state details
//     this includes:
//     - unknown reply correlations and invariant violations
// V(1)/V(2):
//     key events for trace debugging
//     this includes:
//     - phase transitions and election changes with ids that can be used to filter
//     - frequent events - e.g. send, receive, queue, drain

// emitted when a session closes so the owner can release it
type CloseFunction = func()

type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

// makes a copy of the list on update
// callers get a stable iteration order, oldest first
type CallbackList[T any] struct {
	stateLock sync.Mutex
	entries   []callbackListEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

// notifies waiters of state changes
// waiters take the notify channel before reading state, then select on it
type Monitor struct {
	stateLock sync.Mutex
	update    chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.update
}

// closes the update channel and creates a new one
func (self *Monitor) NotifyAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}
