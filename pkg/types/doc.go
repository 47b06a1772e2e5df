// Package types defines the shared data model for cdffs: file metadata
// records, path keys, upload sessions, and the backend store interface
// every component depends on.
package types
