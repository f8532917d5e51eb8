package handler

import (
	"bufio"
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pkg/errors"

	"github.com/mezonai/blockswarm/jsonx"
)

// Call sends one forward request to server over a new stream and waits for
// the reply. Failures reported by the server come back in Response.Error.
func Call(ctx context.Context, h host.Host, server peer.ID, req Request) (Response, error) {
	s, err := h.NewStream(ctx, server, protocol.ID(ProtocolID))
	if err != nil {
		return Response{}, errors.Wrapf(err, "open stream to %s", server)
	}
	defer s.Close()
	return exchangeFrames(ctx, s, bufio.NewReader(s), req)
}

func exchangeFrames(ctx context.Context, s network.Stream, r *bufio.Reader, req Request) (Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	} else {
		_ = s.SetDeadline(time.Now().Add(time.Minute))
	}
	if err := jsonx.WriteFrame(s, req); err != nil {
		_ = s.Reset()
		return Response{}, errors.Wrap(err, "write request")
	}
	var resp Response
	if err := jsonx.ReadFrame(r, &resp); err != nil {
		_ = s.Reset()
		return Response{}, errors.Wrap(err, "read response")
	}
	return resp, nil
}
