package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/actorq/internal/cli"
	"github.com/ChuLiYu/actorq/pkg/actor"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	registry := actor.NewRegistry(nil)
	registerDemoActors(registry)

	rootCmd := cli.BuildCLI(registry)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
