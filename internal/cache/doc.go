// Package cache implements the versioned bucket storage used by cache lifecycle
// managers. A Storage holds named buckets (one per deployed cache version); each
// bucket maps request keys to fully buffered responses. The disk driver lays
// entries out as StoragePath/<worker>/<bucket>/<xxhash>.{body,json} and writes
// through temp file + rename, the memory driver keeps everything in maps.
// AddAll provides the all-or-nothing bulk population used at install time.
package cache
