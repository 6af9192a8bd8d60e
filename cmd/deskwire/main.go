package main

import (
	"os"

	"deskwire/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
