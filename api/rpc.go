package api

import (
	"context"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
)

const codeRegistryError jrpc2.Code = -32010

type swarmParams struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type rpcBridge struct {
	jhttp.Bridge
}

func newRPCBridge(s *Server) *rpcBridge {
	methods := handler.Map{
		"server.status": handler.New(func(ctx context.Context) (Status, error) {
			return s.status(), nil
		}),
		"swarm.blocks": handler.New(func(ctx context.Context, p swarmParams) ([]BlockView, error) {
			if p.End == 0 {
				p.End = s.cfg.TotalBlocks
			}
			if p.Start < 0 || p.End > s.cfg.TotalBlocks || p.Start >= p.End {
				return nil, jrpc2.Errorf(jrpc2.InvalidParams, "range %d:%d outside 0:%d", p.Start, p.End, s.cfg.TotalBlocks)
			}
			views, err := s.swarm(ctx, p.Start, p.End)
			if err != nil {
				return nil, jrpc2.Errorf(codeRegistryError, "%s", err.Error())
			}
			return views, nil
		}),
	}
	return &rpcBridge{jhttp.NewBridge(methods, &jhttp.BridgeOptions{Server: &jrpc2.ServerOptions{}})}
}
