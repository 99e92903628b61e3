// Package dispatch builds capability tables for a queue: typed handlers that
// decode their arguments, and reflection-based binding of receiver methods.
package dispatch

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"duplex-rpc/queue"
)

// ErrTextInvalidArgs is the Reply error for arguments that do not decode.
const ErrTextInvalidArgs = "Invalid args"

// Validator is implemented by argument types that check themselves after decoding.
type Validator interface {
	Validate() error
}

// Table maps operation names to handlers. It is filled before traffic starts
// and installed into any number of queues.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]queue.HandlerFunc
}

func NewTable() *Table {
	return &Table{handlers: make(map[string]queue.HandlerFunc)}
}

// HandleRaw maps name to an untyped handler.
func (t *Table) HandleRaw(name string, fn queue.HandlerFunc) {
	t.mu.Lock()
	t.handlers[name] = fn
	t.mu.Unlock()
}

// Handle maps name to fn. The Call's args are decoded into A; a decode failure
// is answered with ErrTextInvalidArgs, a failed Validate with its message.
func Handle[A, R any](t *Table, name string, fn func(ctx context.Context, args A) (R, error)) {
	t.HandleRaw(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	})
}

// Lookup returns the handler for name.
func (t *Table) Lookup(name string) (queue.HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.handlers[name]
	return fn, ok
}

// Names lists the mapped operations, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install copies every entry into q's capability table.
func (t *Table) Install(q *queue.Queue) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for name, fn := range t.handlers {
		q.Handle(name, fn)
	}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, dst); err != nil {
			return queue.Reject(ErrTextInvalidArgs)
		}
	}
	return validate(dst)
}

// validate runs Validate on dst, or on the value dst points to.
func validate(dst any) error {
	v, ok := dst.(Validator)
	if !ok {
		elem := reflect.ValueOf(dst).Elem()
		if !elem.IsValid() || (elem.Kind() == reflect.Ptr && elem.IsNil()) {
			return nil
		}
		if v, ok = elem.Interface().(Validator); !ok {
			return nil
		}
	}
	if err := v.Validate(); err != nil {
		if queue.IsValidation(err) {
			return err
		}
		return queue.Reject(err.Error())
	}
	return nil
}
