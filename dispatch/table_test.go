package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"duplex-rpc/logging/testlog"
	"duplex-rpc/message"
	"duplex-rpc/queue"

	"github.com/go-playground/assert/v2"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Mul(ctx context.Context, args *Args) (int, error) {
	return args.A * args.B, nil
}

func (a *Arith) Div(ctx context.Context, args *Args) (int, error) {
	if args.B == 0 {
		return 0, queue.Reject("divide by zero")
	}
	return args.A / args.B, nil
}

// not bindable: no context
func (a *Arith) Sub(args *Args, reply *Reply) error {
	return nil
}

type page struct {
	Title string `json:"title"`
}

func (p page) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("Title required")
	}
	return nil
}

// serve pushes one Call through a queue holding table and returns its Reply.
func serve(t *testing.T, table *Table, fun string, args string) message.Reply {
	t.Helper()
	replies := make(chan message.Reply, 8)
	q := queue.New(queue.FlushFunc(func(p *message.Packet) bool {
		for _, r := range p.Replies {
			replies <- r
		}
		return true
	}), queue.Config{FlushDelay: time.Millisecond})
	defer q.Close()
	table.Install(q)

	in := message.NewPacket()
	call := message.Call{ID: 1, Fun: fun}
	if args != "" {
		call.Args = json.RawMessage(args)
	}
	in.Calls = append(in.Calls, call)
	if err := q.ReceivePacket(in); err != nil {
		t.Fatalf("receive: %v", err)
	}
	select {
	case r := <-replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply for %s", fun)
	}
	return message.Reply{}
}

func TestTypedHandle(t *testing.T) {
	testlog.Start(t)
	table := NewTable()
	Handle(table, "savePage", func(ctx context.Context, p page) (string, error) {
		return "saved " + p.Title, nil
	})

	r := serve(t, table, "savePage", `{"title":"Home"}`)
	assert.Equal(t, false, r.Failed())
	assert.Equal(t, `"saved Home"`, string(r.Val))

	r = serve(t, table, "savePage", `{"title":"  "}`)
	assert.Equal(t, "Title required", r.ErrorText())

	r = serve(t, table, "savePage", `[1,2]`)
	assert.Equal(t, ErrTextInvalidArgs, r.ErrorText())
}

func TestRegisterReceiver(t *testing.T) {
	testlog.Start(t)
	table := NewTable()
	if err := table.Register(&Arith{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	assert.Equal(t, []string{"add", "div", "mul"}, table.Names())

	r := serve(t, table, "add", `{"A":1,"B":2}`)
	assert.Equal(t, `{"Result":3}`, string(r.Val))

	r = serve(t, table, "mul", `{"A":6,"B":7}`)
	assert.Equal(t, `42`, string(r.Val))

	r = serve(t, table, "div", `{"A":1,"B":0}`)
	assert.Equal(t, "divide by zero", r.ErrorText())

	r = serve(t, table, "sub", `{"A":1,"B":0}`)
	assert.Equal(t, queue.ErrTextFunNotMapped, r.ErrorText())
}

func TestRegisterName(t *testing.T) {
	table := NewTable()
	if err := table.RegisterName("Arith", &Arith{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := table.Lookup("Arith.Add"); !ok {
		t.Fatal("expect Arith.Add")
	}
	if _, ok := table.Lookup("add"); ok {
		t.Fatal("prefixed registration should not bind bare names")
	}
}

func TestRegisterRejectsNonStruct(t *testing.T) {
	table := NewTable()
	if err := table.Register(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	if err := table.Register(new(int)); err == nil {
		t.Fatal("expect error for pointer to non-struct")
	}
}

func TestLowerCamel(t *testing.T) {
	assert.Equal(t, "getUser", lowerCamel("GetUser"))
	assert.Equal(t, "x", lowerCamel("X"))
	assert.Equal(t, "", lowerCamel(""))
}
