// Package fetch produces the pipeline artifact when the cache cannot.
package fetch

import "context"

// Fetcher materialises the artifact at dest. Implementations must leave a
// readable file at dest on success.
type Fetcher interface {
	Fetch(ctx context.Context, dest string) error
}
