package distobj

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Policy says how an argument crosses the process boundary.
type Policy uint8

const (
	// ByCopy embeds the serialized value.
	ByCopy Policy = 0

	// ByRef embeds a handle; the object stays where it is.
	ByRef Policy = 1
)

func (p Policy) String() string {
	switch p {
	case ByCopy:
		return "bycopy"
	case ByRef:
		return "byref"
	}
	return fmt.Sprintf("Policy(%d)", uint8(p))
}

// RefOwner says, relative to the sender of a frame, who owns
// the handle in a by-reference argument.
type RefOwner uint8

const (
	// OwnedBySender: the sender exported the object; the
	// receiver will see an imported Proxy.
	OwnedBySender RefOwner = 0

	// OwnedByReceiver: the sender is handing back a Proxy it
	// imported from the receiver; the receiver sees its own object.
	OwnedByReceiver RefOwner = 1
)

// Direction of an Invocation.
type Direction uint8

const (
	Request Direction = 0
	Reply   Direction = 1
)

func (d Direction) String() string {
	if d == Reply {
		return "reply"
	}
	return "request"
}

// Argument is one argument (or the return value) of an Invocation.
type Argument struct {
	Policy Policy

	// Tag names the coder of a by-copy Payload.
	Tag     string
	Payload []byte

	// by-reference fields.
	Owner  RefOwner
	Handle uint64

	// Value is the live value: the decoded by-copy value, or
	// after binding, an imported *Proxy or the local object.
	Value any

	bound bool
}

// Copy forces by-copy passing of v.
func Copy(v any) Argument {
	return Argument{Policy: ByCopy, Value: v}
}

// Ref forces by-reference passing of obj, which must be
// Exportable or a *Proxy from the same Connection.
func Ref(obj any) Argument {
	return Argument{Policy: ByRef, Value: obj}
}

// classify turns a plain Go value into an Argument with its
// default policy: Exportables and Proxies go by reference,
// everything else by copy.
func classify(v any) Argument {
	switch x := v.(type) {
	case Argument:
		return x
	case *Argument:
		return *x
	case *Proxy:
		return Argument{Policy: ByRef, Value: x}
	case Exportable:
		return Argument{Policy: ByRef, Value: x}
	}
	return Argument{Policy: ByCopy, Value: v}
}

// Invocation is one method call, or the reply to one.
type Invocation struct {
	MsgID     uint64
	Direction Direction

	// Target is the handle of the receiving object; 0 in replies.
	Target uint64

	// Operation is the opaque token resolved by the target's
	// OperationTable.
	Operation string

	// Conversation partitions request execution on the remote
	// side. Empty means the Connection's default policy.
	Conversation string

	// OneWay requests expect no reply.
	OneWay bool

	Args      []Argument
	Return    *Argument
	Exception *ExceptionRecord

	// AuthData is produced by the sender's Authenticator.
	AuthData []byte

	compression compressAlgo

	// the local object a request is dispatched to.
	receiver Exportable
}

func (inv *Invocation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "&Invocation{MsgID:%v, %v, Target:%v, Op:%q", inv.MsgID, inv.Direction, inv.Target, inv.Operation)
	if inv.Conversation != "" {
		fmt.Fprintf(&b, ", Conversation:%q", inv.Conversation)
	}
	if inv.OneWay {
		b.WriteString(", OneWay")
	}
	fmt.Fprintf(&b, ", %v args", len(inv.Args))
	if inv.Return != nil {
		fmt.Fprintf(&b, ", Return:%v", inv.Return.Policy)
	}
	if inv.Exception != nil {
		fmt.Fprintf(&b, ", Exception:%v %q", inv.Exception.Kind, inv.Exception.Description)
	}
	b.WriteString("}")
	return b.String()
}

// NumArgs returns the argument count.
func (inv *Invocation) NumArgs() int { return len(inv.Args) }

// Arg returns the live value of argument i.
func (inv *Invocation) Arg(i int) (any, error) {
	if i < 0 || i >= len(inv.Args) {
		return nil, fmt.Errorf("argument %v of %v requested for '%v': %w", i, len(inv.Args), inv.Operation, ErrPayloadTypeMismatch)
	}
	return inv.Args[i].Value, nil
}

// ArgAs returns argument i as a T, or ErrPayloadTypeMismatch.
// JSON-coded arguments are unmarshalled into a fresh T.
func ArgAs[T any](inv *Invocation, i int) (v T, err error) {
	raw, err := inv.Arg(i)
	if err != nil {
		return v, err
	}
	if x, ok := raw.(T); ok {
		return x, nil
	}
	if j, ok := raw.(JSONValue); ok {
		if err = j.Unmarshal(&v); err != nil {
			return v, fmt.Errorf("argument %v of '%v' as %T: %v: %w", i, inv.Operation, v, err, ErrPayloadTypeMismatch)
		}
		return v, nil
	}
	return v, fmt.Errorf("argument %v of '%v' is %T, not %T: %w", i, inv.Operation, raw, v, ErrPayloadTypeMismatch)
}

// Receiver returns the local object a request is being
// dispatched to, as a T. Handlers in a shared OperationTable
// use it to find their instance.
func Receiver[T Exportable](inv *Invocation) T {
	t, _ := inv.receiver.(T)
	return t
}

// ReturnValue returns the live return value of a reply.
func (inv *Invocation) ReturnValue() any {
	if inv.Return == nil {
		return nil
	}
	return inv.Return.Value
}

// OperationFunc implements one operation of an exported type.
// The returned value becomes the reply's return value; a
// returned error becomes the reply's exception.
type OperationFunc func(ctx context.Context, inv *Invocation) (any, error)

// OperationTable maps operation tokens to handlers for one
// exported type. It is built once and consulted at dispatch;
// there is no reflection.
type OperationTable struct {
	TypeName string
	ops      map[string]OperationFunc
}

func NewOperationTable(typeName string) *OperationTable {
	return &OperationTable{
		TypeName: typeName,
		ops:      make(map[string]OperationFunc),
	}
}

// Register adds op to the table and returns the table, for chaining.
func (t *OperationTable) Register(op string, fn OperationFunc) *OperationTable {
	t.ops[op] = fn
	return t
}

// Lookup finds the handler for op.
func (t *OperationTable) Lookup(op string) (OperationFunc, bool) {
	fn, ok := t.ops[op]
	return fn, ok
}

// Operations lists the registered tokens, sorted.
func (t *OperationTable) Operations() (ops []string) {
	for op := range t.ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return
}

// Exportable is implemented by local objects that can be called
// remotely. Implementations must be comparable (pointer
// receivers), since the export table is keyed by identity.
type Exportable interface {
	Operations() *OperationTable
}

// Dispatch runs the operation on the resolved local target with
// the table resolved at export time, capturing the return value
// or the exception into the returned reply. A panic in user code
// is captured too; nothing escapes across the process boundary.
func (inv *Invocation) Dispatch(ctx context.Context, target Exportable, ops *OperationTable) (reply *Invocation) {
	reply = &Invocation{
		MsgID:     inv.MsgID,
		Direction: Reply,
	}
	if ops == nil {
		ops = target.Operations()
	}
	inv.receiver = target
	fn, ok := ops.Lookup(inv.Operation)
	if !ok {
		reply.Exception = &ExceptionRecord{
			Kind:        KindUnknownOperation,
			Description: fmt.Sprintf("operation '%v' is not registered on %v: %v", inv.Operation, ops.TypeName, ErrUnknownOperation),
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("recovered panic in '%v.%v': %v\n%v", ops.TypeName, inv.Operation, r, stack())
			reply.Return = nil
			reply.Exception = &ExceptionRecord{
				Kind:        KindPanic,
				Description: fmt.Sprintf("panic in '%v.%v': %v", ops.TypeName, inv.Operation, r),
			}
		}
	}()

	out, err := fn(ctx, inv)
	if err != nil {
		reply.Exception = exceptionFromError(err)
		return
	}
	ret := classify(out)
	reply.Return = &ret
	return
}

// connKeyType is an unexported type for context keys defined in this package.
type connKeyType int

var connKey connKeyType = 43

// ContextWithConnection returns a new Context that carries conn.
func ContextWithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnectionFromContext returns the Connection an operation is
// being served on, if any.
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connKey).(*Connection)
	return conn, ok
}

// servingKey marks the request a handler's context serves.
var servingKey connKeyType = 44

type serving struct {
	serial int64
	msgID  uint64
}

func contextServing(ctx context.Context, conn *Connection, inv *Invocation) context.Context {
	return context.WithValue(ctx, servingKey, serving{serial: conn.serial, msgID: inv.MsgID})
}

// nestedConversation names the conversation of a call made with
// a handler's context and no conversation of its own. The call
// then never queues behind the request being served, which may
// sit on the very queue the call would otherwise land on. Calls
// from one handler share it, so they stay in order.
func nestedConversation(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, ok := ctx.Value(servingKey).(serving)
	if !ok {
		return ""
	}
	return fmt.Sprintf("nested-%v-%v", s.serial, s.msgID)
}
