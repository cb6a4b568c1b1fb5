// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"path/filepath"
)

// injected at link time
var (
	version     string
	buildCommit string
	buildTime   string
)

// GetVersionString returns a standard version header
func GetVersionString() string {
	return fmt.Sprintf("%s %v (%s), built %v", filepath.Base(os.Args[0]), version, buildCommit, buildTime)
}

func GetBuildCommit() string {
	return buildCommit
}

// GetVersion returns the semver compatible version number
func GetVersion() string {
	if len(version) == 0 {
		return "0.0.0-devel"
	}
	return version
}

// GetUserAgent is the agent string advertised on the wire and sent with
// outbound webhooks.
func GetUserAgent() string {
	return "keel/" + GetVersion()
}

func GetBannerVersion() string {
	return "Keel-" + GetVersion()
}

// GetBuildTime returns the time at which the build took place
func GetBuildTime() string {
	return buildTime
}
