// Command certbox is a hardware certification test orchestrator.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/certbox/certbox/internal/cli"
)

func main() {
	// Optional .env next to the execution root; real environment wins.
	_ = godotenv.Load()
	os.Exit(cli.Execute(os.Stdout, os.Stderr))
}
