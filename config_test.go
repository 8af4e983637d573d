// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensorvm

import (
	"strings"
	"testing"

	"github.com/grailbio/base/config"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestConfig(t *testing.T) {
	profile := config.New()
	err := profile.Parse(strings.NewReader(`
param tensorvm (
	devices = 3
	queue-capacity = 16
)
`))
	assert.NoError(t, err)
	var env *Env
	assert.NoError(t, profile.Instance("tensorvm", &env))
	defer env.Shutdown()
	expect.EQ(t, env.Devices(), 3)
	expect.EQ(t, env.Rank(), 0)
	expect.EQ(t, env.Scheduler().Devices(), 3)
}
