package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/stinger-ai/stinger/cmd/stinger/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		if errors.Is(err, commands.ErrBlocked) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
