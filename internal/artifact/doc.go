// Package artifact keeps a bounded, keyed cache of loaded inference
// artifacts so repeated jobs do not pay the load cost again.
//
//   - key.go: Key (namespace/name/version) and parsing.
//   - cache.go: Cache, GetOrLoad with single-flight loads, LRU eviction.
//   - sweep.go: idle eviction loop.
//   - store.go: DirStore, the filesystem backing store.
//   - loader.go: FileLoader, the default Loader.
//   - persist.go: last-used persistence and preload hints.
//
// Entries that are leased out are never evicted; Release on the Lease
// returns them to the LRU.
package artifact
