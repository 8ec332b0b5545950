package main

import (
	"fmt"
	"os"

	"github.com/sammy180/onion-logger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "onion-logger:", err)
		os.Exit(1)
	}
}
