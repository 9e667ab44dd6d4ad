// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	jujutesting "github.com/juju/testing"
)

// BaseSuite isolates tests from the host environment and routes loggo
// output through the test log. Embed it in suites that do not need a
// live store.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
