// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

var (
	// Version is the main version number, bumped for every release.
	Version = "0.3.1"

	// VersionPrerelease marks the version as pre-release ("dev", "rc1",
	// ...). Empty for releases.
	VersionPrerelease = "dev"
)

// GetVersion returns the full version string.
func GetVersion() string {
	v := Version
	if VersionPrerelease != "" {
		v += "-" + VersionPrerelease
	}
	return v
}
