// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tvmconfig provides a mechanism to create a tensorvm Env
// from a shared configuration. Tvmconfig uses the configuration
// mechanism in package github.com/grailbio/base/config, and reads a
// default profile from $HOME/.tensorvm/config.
package tvmconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/tensorvm"
)

// Path determines the location of the tensorvm profile read by Parse.
var Path = os.ExpandEnv("$HOME/.tensorvm/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// tensorvm configuration from Path defined in this package. Parse
// returns the Env as configured by the configuration and any flags
// provided, together with a function that shuts it down. Parse
// panics if Env creation fails.
func Parse() (env *tensorvm.Env, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("tensorvm", &env)
	return env, env.Shutdown
}
