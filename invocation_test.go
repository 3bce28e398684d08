package distobj

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func request(op string, args ...any) *Invocation {
	inv := &Invocation{MsgID: 1, Operation: op}
	for _, a := range args {
		arg := classify(a)
		arg.bound = true
		inv.Args = append(inv.Args, arg)
	}
	return inv
}

func Test150_dispatch_captures_return_error_and_panic(t *testing.T) {

	cv.Convey("Dispatch turns return values, errors, panics, and unknown ops into replies", t, func() {
		arith := &Arith{}
		ctx := context.Background()

		reply := request("Add", int64(2), int64(3)).Dispatch(ctx, arith, nil)
		cv.So(reply.Direction, cv.ShouldEqual, Reply)
		cv.So(reply.MsgID, cv.ShouldEqual, 1)
		cv.So(reply.Exception, cv.ShouldBeNil)
		cv.So(reply.ReturnValue(), cv.ShouldEqual, int64(5))
		cv.So(reply.Return.Policy, cv.ShouldEqual, ByCopy)
		cv.So(arith.Adds(), cv.ShouldEqual, 1)

		reply = request("Div", int64(1), int64(0)).Dispatch(ctx, arith, nil)
		cv.So(reply.Exception.Kind, cv.ShouldEqual, KindApplication)
		cv.So(reply.Exception.Description, cv.ShouldContainSubstring, "divide by zero")

		reply = request("Error").Dispatch(ctx, arith, nil)
		cv.So(reply.Exception.Kind, cv.ShouldEqual, KindPanic)
		cv.So(reply.Return, cv.ShouldBeNil)

		reply = request("NoSuchOp").Dispatch(ctx, arith, nil)
		cv.So(reply.Exception.Kind, cv.ShouldEqual, KindUnknownOperation)

		reply = request("Add", "two", int64(3)).Dispatch(ctx, arith, nil)
		cv.So(reply.Exception.Kind, cv.ShouldEqual, KindPayloadTypeMismatch)
	})

	cv.Convey("returning an Exportable classifies the reply by reference", t, func() {
		hub := NewHub()
		reply := request("Counter", "c1").Dispatch(context.Background(), hub, nil)
		cv.So(reply.Exception, cv.ShouldBeNil)
		cv.So(reply.Return.Policy, cv.ShouldEqual, ByRef)
		cv.So(reply.ReturnValue(), cv.ShouldEqual, hub.Counter("c1"))
	})
}

func Test151_argument_access(t *testing.T) {

	cv.Convey("ArgAs converts, unmarshals JSON, and reports mismatches", t, func() {
		tag, b, err := defaultCoders.EncodeValue(Args{A: 5, B: 6})
		panicOn(err)
		j, err := defaultCoders.DecodeValue(tag, b)
		panicOn(err)
		inv := request("x", int64(1), "s")
		inv.Args = append(inv.Args, Argument{Policy: ByCopy, Value: j, bound: true})

		i, err := ArgAs[int64](inv, 0)
		panicOn(err)
		cv.So(i, cv.ShouldEqual, 1)

		_, err = ArgAs[int64](inv, 1)
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)

		args, err := ArgAs[Args](inv, 2)
		panicOn(err)
		cv.So(args.B, cv.ShouldEqual, 6)

		_, err = ArgAs[string](inv, 3)
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)
		_, err = inv.Arg(-1)
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("Copy and Ref override the default policy; classify keeps explicit Arguments", t, func() {
		c := &Counter{}
		cv.So(classify(c).Policy, cv.ShouldEqual, ByRef)
		cv.So(classify(Copy(c)).Policy, cv.ShouldEqual, ByCopy)
		cv.So(classify(int64(1)).Policy, cv.ShouldEqual, ByCopy)
		r := Ref(c)
		cv.So(classify(&r).Policy, cv.ShouldEqual, ByRef)
	})
}

func Test152_operation_table(t *testing.T) {

	cv.Convey("OperationTable lists its tokens sorted and resolves them", t, func() {
		cv.So(fmt.Sprintf("%v", (&Arith{}).Operations().Operations()), cv.ShouldEqual,
			"[Add Div Error Mul SleepMilli String]")
		_, ok := hubOps.Lookup("Echo")
		cv.So(ok, cv.ShouldBeTrue)
		_, ok = hubOps.Lookup("echo")
		cv.So(ok, cv.ShouldBeFalse)
	})
}
