// Command timerctl is the operator CLI for the timer platform.
package main

import (
	"fmt"
	"os"

	"github.com/CrisisTextLine/timer-platform/cmd/timerctl/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "timerctl: %v\n", err)
		os.Exit(1)
	}
}
