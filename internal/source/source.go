// Package source materialises the project tree the pipeline builds from.
package source

import "context"

// Checkout describes an acquired source tree.
type Checkout struct {
	Path   string
	Branch string
	Commit string
}

// Acquirer places the project source at a destination path. A non-empty ref
// pins the exact revision to check out.
type Acquirer interface {
	Acquire(ctx context.Context, dest, ref string) (Checkout, error)
}
