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

// Command merlonctl is a manual/integration harness for the kernel
// runtime substrate: it can load a driver image through the ELF
// loader, stand up a process tree, or bridge the in-memory PTY to a
// real terminal so a human can drive the subordinate endpoint
// directly. It is demo glue, not part of the kernel core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"merlon/pkg/klog"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "merlonctl",
	Short: "Manual/integration harness for the merlon kernel runtime substrate",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		klog.SetLevel(verbose)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.AddCommand(loadCmd, shellCmd, procsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
