// Package dataflow walks the ILOSTAT SDMX registry and renders the result
// as the SQLite database the pipeline caches and ships.
package dataflow

// Dataflow is one catalogue entry together with the reference areas its
// content constraint allows.
type Dataflow struct {
	ID          string
	Agency      string
	Version     string
	Name        string
	Description string
	Areas       []string
}
