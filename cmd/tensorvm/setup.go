// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strconv"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/tensorvm/tvmconfig"
)

// setupCmd updates the tensorvm profile at tvmconfig.Path with the
// provided parameters, preserving the rest of the profile.
func setupCmd(args []string) error {
	var (
		flags     = flag.NewFlagSet("tensorvm setup", flag.ExitOnError)
		devices   = flags.Int("devices", 0, "number of devices per process; 0 leaves the profile unchanged")
		ranks     = flags.Int("ranks", 0, "number of processes per job; 0 leaves the profile unchanged")
		tracePath = flags.String("trace-path", "", "instruction trace path")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}
	profile := config.New()
	f, err := os.Open(tvmconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	if *devices > 0 {
		must.Nil(profile.Set("tensorvm.devices", strconv.Itoa(*devices)))
	}
	if *ranks > 0 {
		must.Nil(profile.Set("tensorvm.ranks", strconv.Itoa(*ranks)))
	}
	if *tracePath != "" {
		must.Nil(profile.Set("tensorvm.trace-path", *tracePath))
	}
	var buf bytes.Buffer
	if err := profile.PrintTo(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tvmconfig.Path), 0777); err != nil {
		return err
	}
	tmp := tvmconfig.Path + ".setup"
	if err := os.WriteFile(tmp, buf.Bytes(), 0666); err != nil {
		return err
	}
	if err := os.Rename(tmp, tvmconfig.Path); err != nil {
		return err
	}
	log.Print("wrote configuration to ", tvmconfig.Path)
	return nil
}
