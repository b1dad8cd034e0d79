package main

import (
	"os"

	"incidentauth/cmd/incidentauth/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
