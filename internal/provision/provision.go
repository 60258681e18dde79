// Package provision verifies the host tools a pipeline run shells out to.
package provision

import "context"

// Provisioner prepares the host before the pipeline uses it.
type Provisioner interface {
	Provision(ctx context.Context) error
}
