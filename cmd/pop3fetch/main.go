package main

import (
	"fmt"
	"os"

	"github.com/infodancer/pop3fetch/internal/config"
	"github.com/infodancer/pop3fetch/internal/fetch"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(int(fetch.Syntax))
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(int(fetch.Syntax))
	}

	os.Exit(int(run(cfg)))
}
