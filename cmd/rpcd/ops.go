package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"duplex-rpc/dispatch"
	"duplex-rpc/queue"
	"duplex-rpc/server"
)

type whoamiReply struct {
	Socket  string `json:"socket"`
	Session string `json:"session,omitempty"`
	User    string `json:"user,omitempty"`
	Remote  string `json:"remote"`
}

type loginArgs struct {
	User string `json:"user"`
}

func (a *loginArgs) Validate() error {
	a.User = strings.TrimSpace(a.User)
	if a.User == "" {
		return queue.Reject("user is required")
	}
	return nil
}

type statsReply struct {
	Sockets  int `json:"sockets"`
	Sessions int `json:"sessions"`
}

// installOps maps the operations rpcd serves.
func installOps(svr *server.Server) {
	t := svr.Table()

	t.HandleRaw("echo", func(ctx context.Context, args json.RawMessage) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args, nil
	})

	dispatch.Handle(t, "time", func(ctx context.Context, _ struct{}) (string, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	})

	dispatch.Handle(t, "whoami", func(ctx context.Context, _ struct{}) (whoamiReply, error) {
		s, ok := server.SocketFromContext(ctx)
		if !ok {
			return whoamiReply{}, queue.Reject("no socket")
		}
		reply := whoamiReply{Socket: s.ID, User: s.User(), Remote: s.RemoteAddr}
		if s.Session != nil {
			reply.Session = s.Session.ID
		}
		return reply, nil
	})

	dispatch.Handle(t, "login", func(ctx context.Context, args loginArgs) (bool, error) {
		s, ok := server.SocketFromContext(ctx)
		if !ok || s.Session == nil {
			return false, queue.Reject("login needs a websocket session")
		}
		s.Session.SetUser(args.User)
		return true, nil
	})

	dispatch.Handle(t, "stats", func(ctx context.Context, _ struct{}) (statsReply, error) {
		return statsReply{
			Sockets:  len(svr.Sockets()),
			Sessions: svr.Sessions().Len(),
		}, nil
	})

	dispatch.Handle(t, "ops", func(ctx context.Context, _ struct{}) ([]string, error) {
		return t.Names(), nil
	})

	// broadcast lets one peer push a notice to every connected peer
	dispatch.Handle(t, "broadcast", func(ctx context.Context, text string) (int, error) {
		if text == "" {
			return 0, queue.Reject("text is required")
		}
		return svr.Broadcast("notice", text), nil
	})
}
