// Command labfhir uploads lab CSV exports to a FHIR server as one
// transaction per patient record.
//
// Usage:
//
//	labfhir run --input labs.csv --fhir-url https://fhir.example.org/r4
//	labfhir run --input labs.csv --dry-run
//	labfhir serve
//	labfhir history --limit 10
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	_ = godotenv.Overload()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
