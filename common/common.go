// Package common holds process-wide helpers shared by the binaries.
package common

var (
	// PackageName is used as the default service tag.
	PackageName = "apas-records-backend"

	// Version is set at build time with -ldflags "-X .../common.Version=..."
	Version = "dev"
)
