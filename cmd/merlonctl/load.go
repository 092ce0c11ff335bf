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
	"os"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"merlon/pkg/abi/elf32"
	"merlon/pkg/sentry/kernel"
	"merlon/pkg/sentry/loader"
)

var (
	loadRelocationPoint string
	loadLock            bool
)

var loadCmd = &cobra.Command{
	Use:   "load <image>",
	Short: "Load a relocatable driver image through the ELF loader and report its layout",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().StringVar(&loadRelocationPoint, "relocation-point", "0xE0000000", "load address the image is relocated to (canonical base is 0xD0000000)")
	loadCmd.Flags().BoolVar(&loadLock, "flock", false, "take an advisory file lock on the image for the duration of the read")
}

func runLoad(cmd *cobra.Command, args []string) error {
	path := args[0]

	relocationPoint, err := strconv.ParseUint(loadRelocationPoint, 0, 32)
	if err != nil {
		return fmt.Errorf("parsing --relocation-point: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", path, err)
	}

	var locker *flock.Flock
	if loadLock {
		locker = flock.New(path)
	}

	img, err := loader.ReadImage(f, stat.Size(), locker)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	symbols := kernel.NewSymbolRegistry()
	driver, lerr := loader.LoadDriver(img, uint32(relocationPoint), symbols)
	if lerr != nil {
		return fmt.Errorf("loading driver: %s", lerr.Error())
	}

	fmt.Printf("loaded %s: relocation point 0x%08X, image size %d bytes, canonical base 0x%08X\n",
		path, driver.RelocationPoint, len(driver.Image), elf32.CanonicalBase)

	lockedPages := 0
	if err := driver.LockSections(func(addr uint32) {
		lockedPages++
	}); err != nil {
		return fmt.Errorf("locking resident sections: %w", err)
	}
	fmt.Printf("locked %d resident page(s)\n", lockedPages)

	return nil
}
