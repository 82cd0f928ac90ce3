// Package storage provides content-addressed storage for exported reports.
//
// Reports are identified by the SHA-256 hash of their bytes and stored in
// one or more backends:
//
//   - File system storage for single-host deployments
//   - S3-compatible storage for cloud deployments
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/apas/exports
//   - s3://bucket-name/prefix?region=eu-west-1
//   - s3://ACCESS:SECRET@bucket-name/prefix?endpoint=http://minio:9000&path_style=true
//
// # Multiple Backends
//
// StorageBackendFactory.CreateMultiBackend combines several locations into a
// MultiStorageBackend that writes to every available backend and reads from
// the first one holding the content.
//
// Reports never contain decrypted student names, but they still describe
// individual students; the file backend writes private files and the S3
// backend uploads private, server-side encrypted objects.
package storage
