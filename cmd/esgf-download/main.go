// Command esgf-download runs the download orchestrator against a catalog
// database, or performs maintenance on one.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
