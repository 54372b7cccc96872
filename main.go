package main

import (
	"os"

	"github.com/balu-dk/go-ocpp-central/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
