package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType describes one bindable method. Two shapes are accepted:
//
//	func (r *T) Op(ctx context.Context, args *A) (R, error)
//	func (r *T) Op(ctx context.Context, args *A, reply *R) error
type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
	replyOut  bool // reply comes back as a return value, not through a pointer
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService 扫描 rcvr 的导出方法，只保留符合签名的
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errors.New("dispatch: receiver must be a pointer to a struct")
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		if mt := inspectMethod(typ.Method(i)); mt != nil {
			s.method[mt.method.Name] = mt
		}
	}
	if len(s.method) == 0 {
		return nil, fmt.Errorf("dispatch: %s has no bindable methods", s.name)
	}
	return s, nil
}

func inspectMethod(m reflect.Method) *methodType {
	mt := m.Type
	// in(0) 是 receiver
	if mt.NumIn() < 3 || mt.In(1) != contextType || mt.In(2).Kind() != reflect.Ptr {
		return nil
	}
	switch {
	case mt.NumIn() == 3 && mt.NumOut() == 2 && mt.Out(1) == errorType:
		return &methodType{method: m, ArgType: mt.In(2).Elem(), ReplyType: mt.Out(0), replyOut: true}
	case mt.NumIn() == 4 && mt.NumOut() == 1 && mt.Out(0) == errorType && mt.In(3).Kind() == reflect.Ptr:
		return &methodType{method: m, ArgType: mt.In(2).Elem(), ReplyType: mt.In(3).Elem()}
	}
	return nil
}

// call decodes raw into a fresh argument value and invokes the method.
func (s *service) call(ctx context.Context, mt *methodType, raw json.RawMessage) (any, error) {
	argv := reflect.New(mt.ArgType)
	if err := decodeArgs(raw, argv.Interface()); err != nil {
		return nil, err
	}

	if mt.replyOut {
		out := mt.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv})
		if errv := out[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return out[0].Interface(), nil
	}

	replyv := reflect.New(mt.ReplyType)
	out := mt.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv})
	if errv := out[0]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	return replyv.Interface(), nil
}

// Register binds every bindable method of rcvr under its lowerCamel name
// (GetUser → "getUser").
func (t *Table) Register(rcvr any) error {
	return t.register("", rcvr)
}

// RegisterName binds the methods as "<name>.<Method>" (e.g. "Arith.Add").
func (t *Table) RegisterName(name string, rcvr any) error {
	if name == "" {
		return errors.New("dispatch: empty service name")
	}
	return t.register(name, rcvr)
}

func (t *Table) register(prefix string, rcvr any) error {
	s, err := newService(rcvr)
	if err != nil {
		return err
	}
	for methodName, mt := range s.method {
		op := lowerCamel(methodName)
		if prefix != "" {
			op = prefix + "." + methodName
		}
		mt := mt
		t.HandleRaw(op, func(ctx context.Context, raw json.RawMessage) (any, error) {
			return s.call(ctx, mt, raw)
		})
	}
	return nil
}

func lowerCamel(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}
