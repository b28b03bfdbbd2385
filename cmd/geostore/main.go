// Package main is the entry point for the GeoStore server.
package main

import (
	"os"

	"github.com/geostore/geostore/cmd/geostore/app"
	"github.com/geostore/geostore/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
