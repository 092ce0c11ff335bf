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
	"io"
	"os"
	"os/exec"

	"github.com/kr/pty"
	"github.com/spf13/cobra"

	"merlon/pkg/sentry/devpty"
	"merlon/pkg/sentry/usermem"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Bridge the virtual PTY's line discipline to a real shell running on a host pty",
	Long: `Spawns $SHELL attached to a real OS pseudo-terminal (via kr/pty) and
bridges it through an in-memory Pair: keystrokes read from this
process's stdin are pushed through the virtual master, subject to the
canonical-mode line discipline of spec §4.6, and completed lines are
handed to the shell's stdin; the shell's own output passes straight
through to the virtual display and on to this process's stdout.`,
	RunE: runShell,
}

// endpoint adapts devpty's Transfer-based Master/Subordinate API to a
// single shared simulated user buffer, so a CLI process driving real
// file descriptors can still go through the same trust-boundary
// plumbing a real syscall handler would use.
type endpoint struct {
	table *usermem.SimplePageTable
	addr  uintptr
}

// nextEndpointAddr hands out distinct single-byte slots in the
// transfer layer's simulated user arena, one per concurrent stream, so
// unrelated byte hops never alias the same backing storage.
var nextEndpointAddr uintptr = usermem.UserAreaBase

func newEndpoint() *endpoint {
	addr := nextEndpointAddr
	nextEndpointAddr += usermem.PageSize
	table := usermem.NewSimplePageTable()
	table.Map(addr, 1, usermem.Read|usermem.Write|usermem.User)
	return &endpoint{table: table, addr: addr}
}

func (e *endpoint) stage(b byte) error {
	tr := usermem.NewTransferWritingToUser(e.table, e.addr, 1, 0)
	if err := usermem.Copy([]byte{b}, tr, 1); err != nil {
		return fmt.Errorf("%s", err.Error())
	}
	return nil
}

func (e *endpoint) unstage() (byte, error) {
	tr := usermem.NewTransferReadingFromUser(e.table, e.addr, 1, 0)
	buf := make([]byte, 1)
	if err := usermem.Copy(buf, tr, 1); err != nil {
		return 0, fmt.Errorf("%s", err.Error())
	}
	return buf[0], nil
}

func runShell(cmd *cobra.Command, args []string) error {
	shellPath := os.Getenv("SHELL")
	if shellPath == "" {
		shellPath = "/bin/sh"
	}

	c := exec.Command(shellPath)
	ptmx, err := pty.Start(c)
	if err != nil {
		return fmt.Errorf("starting %s on a host pty: %w", shellPath, err)
	}
	defer ptmx.Close()
	defer c.Process.Kill()

	pair := devpty.New()
	defer pair.Close()

	errc := make(chan error, 4)

	// Each direction gets its own simulated-memory slot, allocated up
	// front: handing these out concurrently from inside the goroutines
	// below would race on nextEndpointAddr.
	keysIn := newEndpoint()
	echoOut := newEndpoint()
	lineOut := newEndpoint()
	shellOut := newEndpoint()

	// Keystrokes typed at this process's own stdin feed the virtual
	// master, where the line discipline echoes and buffers them.
	go func() {
		e := keysIn
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				errc <- err
				return
			}
			if err := e.stage(buf[0]); err != nil {
				errc <- err
				return
			}
			tr := usermem.NewTransferReadingFromUser(e.table, e.addr, 1, 0)
			if werr := pair.Master.Write(tr); werr != nil {
				errc <- fmt.Errorf("%s", werr.Error())
				return
			}
		}
	}()

	// Whatever the line discipline echoes back (and whatever the
	// shell writes) reaches the virtual master's display and is
	// mirrored to this process's own stdout.
	go func() {
		e := echoOut
		for {
			tr := usermem.NewTransferWritingToUser(e.table, e.addr, 1, 0)
			if rerr := pair.Master.Read(tr); rerr != nil {
				errc <- fmt.Errorf("%s", rerr.Error())
				return
			}
			b, err := e.unstage()
			if err != nil {
				errc <- err
				return
			}
			if _, err := os.Stdout.Write([]byte{b}); err != nil {
				errc <- err
				return
			}
		}
	}()

	// Completed lines read from the virtual subordinate are handed to
	// the shell's stdin, the same way a process reading its
	// controlling terminal would receive them.
	go func() {
		e := lineOut
		buf := make([]byte, 1)
		for {
			tr := usermem.NewTransferWritingToUser(e.table, e.addr, 1, 0)
			if rerr := pair.Subordinate.Read(tr); rerr != nil {
				errc <- fmt.Errorf("%s", rerr.Error())
				return
			}
			b, err := e.unstage()
			if err != nil {
				errc <- err
				return
			}
			buf[0] = b
			if _, err := ptmx.Write(buf); err != nil {
				errc <- err
				return
			}
		}
	}()

	// The shell's own output bypasses the line discipline entirely
	// and lands straight on the display, per spec §4.6 "Subordinate
	// write".
	go func() {
		e := shellOut
		buf := make([]byte, 1)
		for {
			if _, err := ptmx.Read(buf); err != nil {
				if err != io.EOF {
					errc <- err
				}
				return
			}
			if err := e.stage(buf[0]); err != nil {
				errc <- err
				return
			}
			tr := usermem.NewTransferReadingFromUser(e.table, e.addr, 1, 0)
			if werr := pair.Subordinate.Write(tr); werr != nil {
				errc <- fmt.Errorf("%s", werr.Error())
				return
			}
		}
	}()

	return <-errc
}
