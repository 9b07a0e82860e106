// Package wire defines the envelope exchanged between a bridge and its
// isolated executor, and the codecs that frame envelopes on byte streams.
package wire

import "fmt"

// Type identifies the role of an envelope.
type Type string

const (
	TypeCall     Type = "call"
	TypeResponse Type = "response"
	TypeError    Type = "error"
	TypeChunk    Type = "chunk"
	TypeEnd      Type = "end"
	TypeCancel   Type = "cancel"
)

// Reserved methods used by the bridge lifecycle.
const (
	MethodInitialize = "bridge.initialize"
	MethodTeardown   = "bridge.teardown"
)

// Envelope is the unit exchanged over a transport. Every envelope carries
// an id; ids are allocated by the calling side.
type Envelope struct {
	ID      uint64  `json:"id" cbor:"id"`
	Type    Type    `json:"type" cbor:"type"`
	Payload Payload `json:"payload" cbor:"payload"`
}

// Payload carries the call arguments, a result or chunk, or an error.
// Chunk envelopes put the chunk value in Result.
type Payload struct {
	Method string     `json:"method,omitempty" cbor:"method,omitempty"`
	Params any        `json:"params,omitempty" cbor:"params,omitempty"`
	Result any        `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty" cbor:"error,omitempty"`
}

// ErrorInfo is the serialized form of an executor-side failure.
type ErrorInfo struct {
	Message string `json:"message" cbor:"message"`
	Code    string `json:"code,omitempty" cbor:"code,omitempty"`
}

func (e *Envelope) String() string {
	if e.Payload.Method != "" {
		return fmt.Sprintf("%s#%d(%s)", e.Type, e.ID, e.Payload.Method)
	}
	return fmt.Sprintf("%s#%d", e.Type, e.ID)
}

// Valid reports whether t is a known envelope type.
func (t Type) Valid() bool {
	switch t {
	case TypeCall, TypeResponse, TypeError, TypeChunk, TypeEnd, TypeCancel:
		return true
	}
	return false
}

// Terminal reports whether an envelope of this type finalizes its id.
func (t Type) Terminal() bool {
	return t == TypeResponse || t == TypeError || t == TypeEnd
}

func NewCall(id uint64, method string, params any) *Envelope {
	return &Envelope{ID: id, Type: TypeCall, Payload: Payload{Method: method, Params: params}}
}

func NewResponse(id uint64, result any) *Envelope {
	return &Envelope{ID: id, Type: TypeResponse, Payload: Payload{Result: result}}
}

func NewError(id uint64, code, message string) *Envelope {
	return &Envelope{ID: id, Type: TypeError, Payload: Payload{Error: &ErrorInfo{Message: message, Code: code}}}
}

func NewChunk(id uint64, chunk any) *Envelope {
	return &Envelope{ID: id, Type: TypeChunk, Payload: Payload{Result: chunk}}
}

func NewEnd(id uint64) *Envelope {
	return &Envelope{ID: id, Type: TypeEnd}
}

func NewCancel(id uint64) *Envelope {
	return &Envelope{ID: id, Type: TypeCancel}
}
