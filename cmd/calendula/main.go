package main

import (
	"fmt"
	"os"

	"github.com/pimalaya/calendula/internal/calendar"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(calendar.ExitCode(err))
	}
}
