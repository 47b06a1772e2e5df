// Package cache holds the in-process caches that reconcile the strongly
// consistent file API with the eventually consistent backend: a write log
// providing read-your-writes, a TTL-bounded directory listing cache, and a
// whole-object content cache for open handles.
//
// Each cache is guarded by its own mutex; none of them holds a lock across
// a backend call, so a slow list never blocks unrelated writes.
package cache
