// Package buildinfo resolves the commit/time stamp logged once at startup,
// preferring -ldflags-injected values and falling back to the Go toolchain's
// embedded VCS metadata for dev builds.
package buildinfo
