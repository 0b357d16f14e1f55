// Package event implements the in-process fan-out used between the stream
// readers and their subscribers.
package event

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// Token identifies one registered handler.
type Token string

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Handler receives one emitted payload. Payloads are shared between the
// handlers of one emit and must be treated as read-only.
type Handler[T any] func(ctx context.Context, payload T) error

// Event delivers every emitted payload to all handlers registered when the
// emit started.
type Event[T any] struct {
	mu       sync.Mutex
	handlers map[Token]Handler[T]
}

func New[T any]() *Event[T] {
	return &Event[T]{handlers: make(map[Token]Handler[T])}
}

// Add registers handler under token. It returns false and keeps the existing
// handler when the token is already present.
func (e *Event[T]) Add(token Token, handler Handler[T]) bool {
	if handler == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[token]; ok {
		return false
	}
	e.handlers[token] = handler
	return true
}

// Remove drops the handler registered under token. It reports whether one was present.
func (e *Event[T]) Remove(token Token) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[token]; !ok {
		return false
	}
	delete(e.handlers, token)
	return true
}

func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

func (e *Event[T]) IsEmpty() bool {
	return e.Len() == 0
}

// Emit invokes every handler in the current snapshot concurrently and waits
// for all of them. A failing or panicking handler does not affect the others;
// failures are returned together as an *EmitError.
func (e *Event[T]) Emit(ctx context.Context, payload T) error {
	tokens, handlers := e.snapshot()
	if len(handlers) == 0 {
		return nil
	}
	if len(handlers) == 1 {
		if err := invoke(ctx, handlers[0], payload); err != nil {
			return &EmitError{Failed: tokens, Errors: []error{err}}
		}
		return nil
	}

	var (
		mu     sync.Mutex
		failed []Token
		errs   []error
	)
	p := pool.New()
	for i := range handlers {
		token, handler := tokens[i], handlers[i]
		p.Go(func() {
			if err := invoke(ctx, handler, payload); err != nil {
				mu.Lock()
				failed = append(failed, token)
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	if len(errs) == 0 {
		return nil
	}
	return &EmitError{Failed: failed, Errors: errs}
}

func (e *Event[T]) snapshot() ([]Token, []Handler[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tokens := make([]Token, 0, len(e.handlers))
	handlers := make([]Handler[T], 0, len(e.handlers))
	for token, handler := range e.handlers {
		tokens = append(tokens, token)
		handlers = append(handlers, handler)
	}
	return tokens, handlers
}

func invoke[T any](ctx context.Context, handler Handler[T], payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}

// EmitError aggregates the handler failures of one emit.
type EmitError struct {
	Failed []Token
	Errors []error
}

func (e *EmitError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(e.Errors)+1)
	parts = append(parts, fmt.Sprintf("emit: %d handler(s) failed", len(e.Errors)))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the handler errors for errors.Is/As.
func (e *EmitError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return append([]error(nil), e.Errors...)
}
