// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command tensorvm exercises and inspects the tensorvm runtime.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/tensorvm/tvmconfig"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: tensorvm [flags] command args...

Command tensorvm runs tensorvm workloads on an Env configured from
the profile at $HOME/.tensorvm/config and the provided flags.

The commands are:

	box
		Distribute a random tensor, box it to another sharding,
		and verify the result.
	plan
		Print the boxing strategy selected for a pair of
		shardings.
	bus
		Exchange messages among ranks over a loopback network
		and verify their ordering.
	trace
		Summarize the instruction durations in a trace file.
	setup
		Write a tensorvm profile.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	log.SetPrefix("tensorvm: ")
	must.Func = log.Fatal
	env, shutdown := tvmconfig.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "box":
		err = boxCmd(env, args)
	case "plan":
		err = planCmd(env, args)
	case "bus":
		err = busCmd(args)
	case "trace":
		err = traceCmd(args)
	case "setup":
		err = setupCmd(args)
	}
	shutdown()
	must.Nil(err, cmd)
}
