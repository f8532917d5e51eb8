package handler

import (
	"github.com/mezonai/blockswarm/backend"
	"github.com/mezonai/blockswarm/errors"
)

// ProtocolID is the libp2p protocol request streams are opened on.
const ProtocolID = "/blockswarm/block/1.0.0"

type RequestKind string

const (
	KindForward   RequestKind = "forward"
	KindInference RequestKind = "inference"
	KindStep      RequestKind = "step"
	KindClose     RequestKind = "close"
)

// Request is one frame sent by a client. A stream carries either a single
// forward request, or an inference request followed by steps and a close.
type Request struct {
	Kind RequestKind `json:"kind"`
	// UIDs is a chain of block uids joined by registry.ChainDelimiter.
	UIDs      string          `json:"uids,omitempty"`
	Hidden    *backend.Tensor `json:"hidden,omitempty"`
	MaxLength int             `json:"max_length,omitempty"`
	BatchSize int             `json:"batch_size,omitempty"`
}

type Response struct {
	Hidden    *backend.Tensor    `json:"hidden,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Error     *errors.SwarmError `json:"error,omitempty"`
}

func errorResponse(err error) Response {
	if se, ok := err.(*errors.SwarmError); ok {
		return Response{Error: se}
	}
	return Response{Error: &errors.SwarmError{Code: errors.ErrCodeInternal, Message: errors.ErrMsgInternal}}
}
