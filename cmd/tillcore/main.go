package main

import (
	"fmt"
	"os"

	"github.com/r0nw4lk3r31/tillcore/cmd/tillcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
