package distobj

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// These example types are exported by the tests and by
// cmd/distctl serve.

// Args travel by copy through the json coder.
type Args struct {
	A int `json:"a"`
	B int `json:"b"`
}

type ArithReply struct {
	C int `json:"c"`
}

// Arith is the classic arithmetic service.
type Arith struct {
	adds atomic.Int64
}

// Adds is how many times Add ran.
func (t *Arith) Adds() int64 { return t.adds.Load() }

var arithOps = NewOperationTable("Arith").
	Register("Add", func(ctx context.Context, inv *Invocation) (any, error) {
		a, b, err := twoInts(inv)
		if err != nil {
			return nil, err
		}
		Receiver[*Arith](inv).adds.Add(1)
		return a + b, nil
	}).
	Register("Mul", func(ctx context.Context, inv *Invocation) (any, error) {
		args, err := ArgAs[Args](inv, 0)
		if err != nil {
			return nil, err
		}
		return ArithReply{C: args.A * args.B}, nil
	}).
	Register("Div", func(ctx context.Context, inv *Invocation) (any, error) {
		a, b, err := twoInts(inv)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, errors.New("divide by zero")
		}
		return a / b, nil
	}).
	Register("String", func(ctx context.Context, inv *Invocation) (any, error) {
		args, err := ArgAs[Args](inv, 0)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("%d+%d=%d", args.A, args.B, args.A+args.B), nil
	}).
	Register("Error", func(ctx context.Context, inv *Invocation) (any, error) {
		panic("ERROR")
	}).
	Register("SleepMilli", func(ctx context.Context, inv *Invocation) (any, error) {
		ms, err := ArgAs[int64](inv, 0)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return ms, nil
	})

func twoInts(inv *Invocation) (a, b int64, err error) {
	a, err = ArgAs[int64](inv, 0)
	if err != nil {
		return
	}
	b, err = ArgAs[int64](inv, 1)
	return
}

func (t *Arith) Operations() *OperationTable { return arithOps }

// ArithStub is the typed client side of Arith.
type ArithStub struct {
	P *Proxy
}

func (s *ArithStub) Add(a, b int64) (int64, error) {
	v, err := s.P.Call("Add", a, b)
	if err != nil {
		return 0, err
	}
	return asInt64(v)
}

func (s *ArithStub) Mul(args Args) (reply ArithReply, err error) {
	err = s.P.CallInto(&reply, "Mul", args)
	return
}

func (s *ArithStub) Div(a, b int64) (int64, error) {
	v, err := s.P.Call("Div", a, b)
	if err != nil {
		return 0, err
	}
	return asInt64(v)
}

func (s *ArithStub) SleepMilli(ms int64) error {
	_, err := s.P.Call("SleepMilli", ms)
	return err
}

func asInt64(v any) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("want int64 reply, got %T: %w", v, ErrPayloadTypeMismatch)
	}
	return i, nil
}

// Counter keeps an int64 and a log of the order calls arrived in.
type Counter struct {
	mut  sync.Mutex
	n    int64
	seen []int64
}

var counterOps = NewOperationTable("Counter").
	Register("Incr", func(ctx context.Context, inv *Invocation) (any, error) {
		c := Receiver[*Counter](inv)
		by := int64(1)
		if inv.NumArgs() > 0 {
			var err error
			by, err = ArgAs[int64](inv, 0)
			if err != nil {
				return nil, err
			}
		}
		return c.Incr(by), nil
	}).
	Register("Append", func(ctx context.Context, inv *Invocation) (any, error) {
		c := Receiver[*Counter](inv)
		v, err := ArgAs[int64](inv, 0)
		if err != nil {
			return nil, err
		}
		c.mut.Lock()
		c.seen = append(c.seen, v)
		c.mut.Unlock()
		return nil, nil
	}).
	Register("Get", func(ctx context.Context, inv *Invocation) (any, error) {
		return Receiver[*Counter](inv).Get(), nil
	})

func (c *Counter) Operations() *OperationTable { return counterOps }

func (c *Counter) Incr(by int64) int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.n += by
	return c.n
}

func (c *Counter) Get() int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.n
}

// Seen returns the Append log.
func (c *Counter) Seen() []int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]int64{}, c.seen...)
}

// Hub is a root object that hands out Counters by reference,
// and calls back into objects its peers pass it.
type Hub struct {
	mut      sync.Mutex
	counters map[string]*Counter
	arith    Arith
}

func NewHub() *Hub {
	return &Hub{counters: make(map[string]*Counter)}
}

var hubOps = NewOperationTable("Hub").
	Register("Counter", func(ctx context.Context, inv *Invocation) (any, error) {
		h := Receiver[*Hub](inv)
		name, err := ArgAs[string](inv, 0)
		if err != nil {
			return nil, err
		}
		return h.Counter(name), nil
	}).
	Register("Arith", func(ctx context.Context, inv *Invocation) (any, error) {
		return &Receiver[*Hub](inv).arith, nil
	}).
	Register("Echo", func(ctx context.Context, inv *Invocation) (any, error) {
		// hands any argument straight back, references included.
		v, err := inv.Arg(0)
		if err != nil {
			return nil, err
		}
		return classify(v), nil
	}).
	Register("IncrVia", func(ctx context.Context, inv *Invocation) (any, error) {
		// calls Incr on a counter the caller passed by reference.
		p, err := ArgAs[*Proxy](inv, 0)
		if err != nil {
			return nil, err
		}
		defer p.Release()
		by, err := ArgAs[int64](inv, 1)
		if err != nil {
			return nil, err
		}
		return p.CallContext(ctx, nil, "Incr", by)
	}).
	Register("Same", func(ctx context.Context, inv *Invocation) (any, error) {
		a, err := inv.Arg(0)
		if err != nil {
			return nil, err
		}
		b, err := inv.Arg(1)
		if err != nil {
			return nil, err
		}
		return a == b, nil
	})

func (h *Hub) Operations() *OperationTable { return hubOps }

// Counter returns the named counter, making it on first use.
func (h *Hub) Counter(name string) *Counter {
	h.mut.Lock()
	defer h.mut.Unlock()
	c, ok := h.counters[name]
	if !ok {
		c = &Counter{}
		h.counters[name] = c
	}
	return c
}

// CounterStub is the typed client side of Counter.
type CounterStub struct {
	P *Proxy
}

func (s *CounterStub) Incr(by int64) (int64, error) {
	v, err := s.P.Call("Incr", by)
	if err != nil {
		return 0, err
	}
	return asInt64(v)
}

func (s *CounterStub) Get() (int64, error) {
	v, err := s.P.Call("Get")
	if err != nil {
		return 0, err
	}
	return asInt64(v)
}
