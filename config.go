// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensorvm

import (
	"runtime"

	"github.com/grailbio/base/config"
	"github.com/grailbio/tensorvm/bus"
	"github.com/grailbio/tensorvm/vm"
)

func init() {
	config.Register("tensorvm", func(inst *config.Constructor) {
		env := newEnv()
		inst.IntVar(&env.devices, "devices", runtime.NumCPU(), "number of devices (scheduler workers) in the process")
		inst.IntVar(&env.rank, "rank", 0, "rank of this process in the job")
		inst.IntVar(&env.ranks, "ranks", 1, "number of processes in the job")
		inst.IntVar(&env.inflight, "inflight", vm.DefaultInFlight, "maximum number of submitted, incomplete instructions")
		inst.IntVar(&env.capacity, "queue-capacity", bus.DefaultCapacity, "capacity of each bus inbox")
		inst.IntVar(&env.maxMirrored, "max-mirrored-objects", vm.DefaultMaxMirroredObjects, "maximum number of live mirrored objects")
		inst.StringVar(&env.tracePath, "trace-path", "", "path to which an instruction trace is written on shutdown")
		inst.Doc = "tensorvm configures the tensorvm runtime"
		inst.New = func() (interface{}, error) {
			if env.devices <= 0 {
				env.devices = runtime.NumCPU()
			}
			if env.ranks <= 0 {
				env.ranks = 1
			}
			env.start()
			return env, nil
		}
	})
}
