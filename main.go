package main

import (
	"os"

	"github.com/wegman-software/overpass2geojson/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
