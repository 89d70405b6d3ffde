package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrAlreadyReplied = errors.New("bus: message already replied")
	ErrCallerGone     = errors.New("bus: caller no longer waiting")
)

// Credentials identify the process on the other end of a bus connection. A
// zero PID means the transport could not determine the sender.
type Credentials struct {
	PID int
	UID int
	GID int
}

func (c Credentials) String() string {
	if c.PID == 0 {
		return "unknown"
	}
	return fmt.Sprintf("pid=%d uid=%d gid=%d", c.PID, c.UID, c.GID)
}

// Message is one inbound call on a registered method. Handlers answer it with
// at most one Reply; a message that is never replied to leaves the caller
// waiting until its own deadline.
type Message struct {
	Service  string
	Category string
	Method   string
	Payload  []byte
	Sender   Credentials

	ctx     context.Context
	reply   chan []byte
	replied atomic.Bool
}

// NewMessage builds a message for in-process dispatch. ctx governs how long the
// caller waits for the reply.
func NewMessage(ctx context.Context, service, category, method string, payload []byte) *Message {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Message{
		Service:  service,
		Category: category,
		Method:   method,
		Payload:  payload,
		ctx:      ctx,
		reply:    make(chan []byte, 1),
	}
}

// Context is cancelled when the caller abandons the call.
func (m *Message) Context() context.Context { return m.ctx }

// URI renders the bus address the message was sent to.
func (m *Message) URI() string {
	return Address{Service: m.Service, Category: m.Category, Method: m.Method}.String()
}

// Reply sends payload back to the caller.
func (m *Message) Reply(payload []byte) error {
	if !m.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCallerGone, err)
	}
	m.reply <- payload
	return nil
}

// Replied reports whether Reply has been attempted.
func (m *Message) Replied() bool { return m.replied.Load() }

// Response delivers the reply payload once Reply succeeds.
func (m *Message) Response() <-chan []byte { return m.reply }

// ErrorPayload is the standard error reply shared by every service on the bus.
type ErrorPayload struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorCode   int    `json:"errorCode"`
	ErrorText   string `json:"errorText"`
	Details     string `json:"details,omitempty"`
}

// ErrorCodeGeneric is used for validation and routing failures.
const ErrorCodeGeneric = -1

// ErrorReply encodes a standard error payload.
func ErrorReply(code int, text, details string) []byte {
	b, _ := json.Marshal(ErrorPayload{ErrorCode: code, ErrorText: text, Details: details})
	return b
}

// Handler serves a bus method.
type Handler interface {
	Serve(msg *Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg *Message)

// Serve invokes the underlying function.
func (f HandlerFunc) Serve(msg *Message) { f(msg) }

// Methods maps method names to handlers within one category.
type Methods map[string]Handler

// Middleware intercepts dispatch of every method on a service. It receives the
// next handler in the chain and may short-circuit.
type Middleware func(msg *Message, next Handler)
