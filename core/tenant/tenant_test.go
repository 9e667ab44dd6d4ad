// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tenant_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/tenant"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/testing"
)

type tenantSuite struct {
	testing.BaseSuite
}

var _ = gc.Suite(&tenantSuite{})

func (s *tenantSuite) TestValidIDs(c *gc.C) {
	for _, id := range []string{
		"alpha",
		"Tenant-7",
		"a_b-c",
		"0099",
	} {
		c.Check(tenant.ValidateID(id), jc.ErrorIsNil, gc.Commentf("id %q", id))
	}
}

func (s *tenantSuite) TestInvalidIDs(c *gc.C) {
	for _, id := range []string{
		"",
		"a b",
		"a.b",
		"a/b",
		"a$b",
		"café",
	} {
		c.Check(tenant.ValidateID(id), jc.ErrorIs, errors.NotValid, gc.Commentf("id %q", id))
	}
}
