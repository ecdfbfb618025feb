package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"texbridge/internal/config"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, config.ErrConfiguration) {
		return 2
	}
	return 1
}
