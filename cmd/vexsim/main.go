package main

import (
	"os"

	"github.com/vkngwrapper/arsenal/vex/cmd/vexsim/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
