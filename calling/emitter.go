/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// EventHandler is a callback function for calling-plugin events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system. Unlike an ad-hoc
// listener set, On returns a remover so subscribers can detach exactly the
// handler they registered.
type EventEmitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventKey]map[int]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[EventKey]map[int]EventHandler),
	}
}

// On registers an event handler and returns a remover for it.
func (e *EventEmitter) On(event EventKey, handler EventHandler) (remove func()) {
	if handler == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]EventHandler)
	}
	e.handlers[event][id] = handler
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers[event], id)
			e.mu.Unlock()
		})
	}
}

// Emit fires an event, calling all registered handlers synchronously.
func (e *EventEmitter) Emit(event EventKey, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
