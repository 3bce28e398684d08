package main

import (
	"fmt"
	"os"

	"github.com/glycerine/distobj"
)

func main() {
	distobj.Exit1IfVersionReq()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
