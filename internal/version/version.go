// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the scheduler's release number.
package version

import (
	"github.com/juju/version/v2"
)

// Current is the version of the running binary.
var Current = version.MustParse("1.0.0")
