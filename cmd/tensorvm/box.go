// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tensorvm"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/tensor"
)

// shardingFlags are the flags that describe a pair of placed
// shardings and a logical shape.
type shardingFlags struct {
	shape                    *string
	tag, devices, hierarchy  *string
	from, to                 *string
	toTag, toDevices, toHier *string
}

func newShardingFlags(flags *flag.FlagSet) *shardingFlags {
	return &shardingFlags{
		shape:     flags.String("shape", "8,8", "logical shape of the tensor"),
		tag:       flags.String("tag", "cpu", "device tag of the input placement"),
		devices:   flags.String("devices", "0,1", "devices of the input placement"),
		hierarchy: flags.String("hierarchy", "", "hierarchy of the input placement; defaults to 1-D"),
		from:      flags.String("from", "S(0)", "nd-sbp of the input"),
		to:        flags.String("to", "B", "nd-sbp of the output"),
		toTag:     flags.String("totag", "", "device tag of the output placement; defaults to -tag"),
		toDevices: flags.String("todevices", "", "devices of the output placement; defaults to -devices"),
		toHier:    flags.String("tohierarchy", "", "hierarchy of the output placement; defaults to -hierarchy"),
	}
}

func (f *shardingFlags) parse() (shape []int, in, out *sbp.PlacedSharding, err error) {
	if shape, err = parseInts(*f.shape); err != nil {
		return
	}
	inPlacement, err := parsePlacement(*f.tag, *f.devices, *f.hierarchy)
	if err != nil {
		return
	}
	outPlacement, err := parsePlacement(
		orDefault(*f.toTag, *f.tag),
		orDefault(*f.toDevices, *f.devices),
		orDefault(*f.toHier, *f.hierarchy))
	if err != nil {
		return
	}
	inNd, err := sbp.ParseNdSbp(*f.from)
	if err != nil {
		return
	}
	outNd, err := sbp.ParseNdSbp(*f.to)
	if err != nil {
		return
	}
	if in, err = sbp.New(inPlacement, inNd); err != nil {
		return
	}
	out, err = sbp.New(outPlacement, outNd)
	return
}

func boxCmd(env *tensorvm.Env, args []string) error {
	var (
		flags    = flag.NewFlagSet("tensorvm box", flag.ExitOnError)
		sharding = newShardingFlags(flags)
		seed     = flags.Int64("seed", 1, "seed for the random input")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tensorvm box [flags]\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	shape, in, out, err := sharding.parse()
	if err != nil {
		return err
	}
	ctx := context.Background()
	value := tensor.Zeros(shape...)
	r := rand.New(rand.NewSource(*seed))
	for i := range value.Data {
		value.Data[i] = float64(r.Intn(1000))
	}
	x, err := env.Distribute(ctx, value, in)
	if err != nil {
		return err
	}
	s, err := env.Boxer().Plan(in, out, shape)
	if err != nil {
		return err
	}
	log.Printf("boxing %s -> %s with %s", in, out, s.Name)
	y, err := env.Box(ctx, x, out)
	if err != nil {
		return err
	}
	got, err := env.Fetch(ctx, y)
	if err != nil {
		return err
	}
	if !got.Equal(value) {
		return errors.E(errors.Invalid, fmt.Sprintf("boxed value differs:\n\tgot %s\n\twant %s", got, value))
	}
	fmt.Println(env.Stats())
	return nil
}

func planCmd(env *tensorvm.Env, args []string) error {
	var (
		flags    = flag.NewFlagSet("tensorvm plan", flag.ExitOnError)
		sharding = newShardingFlags(flags)
	)
	if err := flags.Parse(args); err != nil {
		return err
	}
	shape, in, out, err := sharding.parse()
	if err != nil {
		return err
	}
	s, err := env.Boxer().Plan(in, out, shape)
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s: %s\n", in, out, s.Name)
	return nil
}

func parsePlacement(tag, devices, hierarchy string) (sbp.Placement, error) {
	ids, err := parseInts(devices)
	if err != nil {
		return sbp.Placement{}, err
	}
	p := sbp.NewPlacement(tag, ids...)
	if hierarchy != "" {
		if p.Hierarchy, err = parseInts(hierarchy); err != nil {
			return sbp.Placement{}, err
		}
	}
	return p, p.Validate()
}

func parseInts(s string) ([]int, error) {
	var ints []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid integer list %q", s), err)
		}
		ints = append(ints, n)
	}
	return ints, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
