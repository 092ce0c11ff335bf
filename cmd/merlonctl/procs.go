// Copyright 2024 The Merlon Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"merlon/pkg/sentry/kernel"
)

var procsDepth int

var procsCmd = &cobra.Command{
	Use:   "procs",
	Short: "Build and tear down a small process tree to exercise reap/orphan-adoption",
	RunE:  runProcs,
}

func init() {
	procsCmd.Flags().IntVar(&procsDepth, "depth", 3, "number of generations to fork below init")
}

func runProcs(cmd *cobra.Command, args []string) error {
	pt := kernel.NewProcessTable()

	initProc := pt.NewProcessWithEntry(0, "init", func(self *kernel.Thread) {})
	fmt.Printf("init: pid=%d\n", initProc.Pid())

	// Build a chain of procsDepth generations below init, each parented
	// to the one before it.
	chain := []*kernel.Process{initProc}
	for i := 0; i < procsDepth; i++ {
		name := fmt.Sprintf("gen%d", i+1)
		parent := chain[len(chain)-1]
		child := pt.NewProcessWithEntry(parent.Pid(), name, func(self *kernel.Thread) {})
		fmt.Printf("%s: pid=%d parent=%d\n", name, child.Pid(), child.ParentPid())
		chain = append(chain, child)
	}

	if len(chain) < 3 {
		fmt.Println("depth too small to demonstrate orphan adoption; need at least 2")
		return nil
	}

	// Killing the middle generation orphans its direct child; that
	// child is reparented to init (spec §4.5), leaving the rest of the
	// chain below it untouched.
	mid := chain[1]
	orphan := chain[2]
	fmt.Printf("killing pid=%d, orphaning pid=%d\n", mid.Pid(), orphan.Pid())
	pt.Kill(mid, 0)

	if _, _, err := pt.Wait(initProc, mid.Pid()); err != nil {
		fmt.Printf("init reaping pid=%d: %s\n", mid.Pid(), err.Error())
	} else {
		fmt.Printf("init reaped pid=%d\n", mid.Pid())
	}

	fmt.Printf("orphan pid=%d now reports parent=%d\n", orphan.Pid(), orphan.ParentPid())
	return nil
}
