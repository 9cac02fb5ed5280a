// Package buildinfo carries the launcher's own version, injected at build
// time via -ldflags "-X .../buildinfo.Version=x.y.z".
package buildinfo

var Version = "0.0.0-dev"
