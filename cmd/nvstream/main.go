package main

import (
	"github.com/shizukutanaka/nvstream/cmd/nvstream/commands"
)

// Minimal entrypoint that delegates to the Cobra CLI defined in cmd/nvstream/commands.
func main() {
	commands.Execute()
}
