// Package artifact publishes build output to durable object storage under a
// deployment-scoped key prefix.
package artifact

import "context"

// ObjectStore abstracts the durable key-addressed blob store.
type ObjectStore interface {
	Put(ctx context.Context, key, filePath, contentType string) error
}
