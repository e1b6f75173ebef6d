package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/hed1ad/ledgerguard/pkg/cli"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerguard:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
