package main

import (
	"os"

	"github.com/mykhaliev/agent-e2e/cli"
)

func main() {
	os.Exit(cli.Execute())
}
