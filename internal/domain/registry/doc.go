// Package registry is the durable record store of installed extensions.
//
// Records live in a SQLite table whose schema is managed by goose
// migrations embedded in the binary. The store is the single source of
// truth for extension metadata: every mutation is one statement, and
// readers observe changes either by querying or by subscribing with Watch.
//
// Ordering: lists are sorted by installedAt descending, ties by id.
//
// Write policy:
//   - Upsert inserts new rows as given; for existing rows it keeps
//     installedAt and enabled and never moves updatedAt backwards
//   - SetEnabled and DeleteByID on unknown ids are no-ops
//
// Example Usage:
//
//	store, err := registry.Open(ctx, layout.Database(), logger)
//	saved, err := store.Upsert(ctx, ext)
//	for snapshot := range store.Watch(ctx, registry.Enabled) {
//	    render(snapshot)
//	}
package registry
