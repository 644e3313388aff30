package main

import (
	"errors"
	"os"

	"botctl/internal/console"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errUsage) {
			console.New(os.Stderr).Error("Error: %v", err)
		}
		os.Exit(1)
	}
}
