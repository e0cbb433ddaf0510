package main

import (
	"fmt"
	"os"

	"github.com/mithrel/busobj/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "busobj:", err)
		os.Exit(1)
	}
}
