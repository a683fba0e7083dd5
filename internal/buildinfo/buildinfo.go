// Package buildinfo carries version metadata stamped in at link time.
package buildinfo

// Version is overridden with -ldflags "-X redeploy/internal/buildinfo.Version=...".
var Version = "dev"
