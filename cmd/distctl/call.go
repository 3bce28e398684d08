package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/distobj"
	"github.com/spf13/cobra"
)

var (
	counterName string
	ncalls      int
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call ENDPOINT|NAME OP [ARG...]",
	Short: "call OP on the remote Hub, or on one of its counters",
	Long: `call dials ENDPOINT (tcp://host:port, quic://host:port), or resolves
NAME with --etcd, and calls OP on the root object. With --counter,
OP is called on the named Counter the Hub hands back by reference.
Integer and float arguments are sent as numbers, the rest as strings.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var conn *distobj.Connection
		dir, err := directory()
		if err != nil {
			return err
		}
		if dir != nil {
			defer dir.Close()
			conn, err = distobj.ConnectToName(ctx, dir, args[0], cfg, nil)
		} else {
			conn, err = distobj.Dial(ctx, args[0], cfg, nil)
		}
		if err != nil {
			return err
		}
		defer conn.Invalidate()

		target, err := conn.RootProxy()
		if err != nil {
			return err
		}
		if counterName != "" {
			v, err := target.Call("Counter", counterName)
			if err != nil {
				return err
			}
			p, ok := v.(*distobj.Proxy)
			if !ok {
				return fmt.Errorf("Hub.Counter returned %T, not a proxy", v)
			}
			defer p.Release()
			target = p
		}

		op := args[1]
		var callArgs []any
		for _, a := range args[2:] {
			callArgs = append(callArgs, parseArg(a))
		}

		// compress of 100 still gives 1000x compression,
		// about 8KB for 1e6 samples; good accuracy at tails
		td, err := tdigest.New(tdigest.Compression(100))
		if err != nil {
			return err
		}
		var reply any
		opts := &distobj.CallOptions{Timeout: callTimeout}
		for i := 0; i < ncalls; i++ {
			t0 := time.Now()
			reply, err = target.CallContext(ctx, opts, op, callArgs...)
			if err != nil {
				return err
			}
			td.Add(float64(time.Since(t0))) // nanoseconds
		}
		out := reply
		if j, ok := reply.(distobj.JSONValue); ok {
			out = string(j)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%v\n", out)
		if ncalls > 1 {
			log.Printf("%v calls: q50='%v'; q99='%v'; q999='%v'", ncalls,
				time.Duration(td.Quantile(0.50)), time.Duration(td.Quantile(0.99)), time.Duration(td.Quantile(0.999)))
		}
		return nil
	},
}

func parseArg(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func init() {
	callCmd.Flags().StringVar(&counterName, "counter", "", "call OP on this named Counter of the Hub")
	callCmd.Flags().IntVarP(&ncalls, "n", "n", 1, "number of calls to make")
	callCmd.Flags().DurationVar(&callTimeout, "wait", 10*time.Second, "time to wait for each call")
}
