// Package common holds shared constants and the logging setup used by all
// binaries and packages in the federation enrollment backend.
package common

// PackageName identifies this service in logs and metrics.
const PackageName = "federation-enrollment-backend"

// Version is set at build time via -ldflags.
var Version = "dev"
