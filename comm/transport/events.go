package transport

import (
	"fmt"
	"sync"
)

// ITransportListener receives the lifecycle events of a transport
type ITransportListener interface {
	// Connected is fired once the handshake completed
	Connected(t *Transport)
	// Disconnected is fired when an established transport lost its connection
	Disconnected(t *Transport)
	// ConnectAttempt is fired before a client dials an address
	ConnectAttempt(t *Transport)
	// Closed is fired once when the transport is closed
	Closed(t *Transport)
	// ReconnectionRejected is fired when the server refused to re-attach a client
	ReconnectionRejected(t *Transport)
}

// ListenerAdapter implements ITransportListener with no-op methods
type ListenerAdapter struct{}

func (ListenerAdapter) Connected(*Transport) {}
func (ListenerAdapter) Disconnected(*Transport) {}
func (ListenerAdapter) ConnectAttempt(*Transport) {}
func (ListenerAdapter) Closed(*Transport) {}
func (ListenerAdapter) ReconnectionRejected(*Transport) {}

// EventBus holds the listeners of one transport.
//
// Events are delivered synchronously in registration order while the bus mutex
// is held, so a callback must neither change the listeners of the same bus nor
// close the transport it was called for.
type EventBus struct {
	mu        sync.Mutex
	listeners []ITransportListener
}

// Add registers a listener. Registering the same listener twice panics.
func (b *EventBus) Add(l ITransportListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.listeners {
		if existing == l {
			panic(fmt.Sprintf("transport listener %T registered twice", l))
		}
	}
	b.listeners = append(b.listeners, l)
}

// Remove unregisters a listener and reports whether it was registered
func (b *EventBus) Remove(l ITransportListener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *EventBus) fire(event string, notify func(l ITransportListener)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					Logger.Errorf("listener %T panicked handling %s: %v", l, event, r)
				}
			}()
			notify(l)
		}()
	}
}
