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

// Package devpty implements the pseudo-terminal pair and canonical-
// mode line discipline of spec §4.6: a master endpoint (the "screen
// and keyboard"), a subordinate endpoint (what a process opens as its
// controlling terminal), and a dedicated line-processor goroutine
// applying termios policy between them. Grounded on
// kernel/dev/pty.c; bounded Go channels stand in for that source's
// mailbox.h FIFOs.
package devpty

import (
	"merlon/pkg/errors/kerrno"
	"merlon/pkg/sentry/usermem"
)

// Buffer capacities (spec §3 "three bounded FIFOs"), named after the
// original's #define constants.
const (
	internalBufferSize = 256
	lineBufferSize     = 300
	flushedBufferSize  = 500
)

// ETX is the line terminator recognized alongside '\n' (spec §4.6
// step 4).
const ETX = 0x03

// Lflag bits, following termios naming (spec §6 "Default termios:
// ICANON | ECHO set").
type Lflag uint32

const (
	ICANON Lflag = 1 << iota
	ECHO
)

// Termios holds the subset of termios state this core models.
type Termios struct {
	Lflag Lflag
}

// Pair is a linked master/subordinate pseudo-terminal (spec §3 "PTY
// pair").
type Pair struct {
	Master      *Master
	Subordinate *Subordinate

	display chan byte // master read / subordinate write target
	keybrd  chan byte // master write target, drained by the line processor
	flushed chan byte // subordinate read source

	done chan struct{}
}

// Master models "the terminal hardware": Read drains what the line
// discipline has echoed or the subordinate has written; Write
// delivers raw keystrokes into the line processor.
type Master struct {
	pair *Pair
}

// Subordinate is what a process opens as its controlling terminal:
// Read yields completed lines (or raw bytes outside canonical mode);
// Write goes straight to the display.
type Subordinate struct {
	pair    *Pair
	termios Termios

	lineBuffer     []byte
	lineCharWidths []byte
}

// New creates a linked pair and starts its line-processor goroutine.
// Default termios is ICANON|ECHO (spec §6).
func New() *Pair {
	p := &Pair{
		display: make(chan byte, internalBufferSize),
		keybrd:  make(chan byte, internalBufferSize),
		flushed: make(chan byte, flushedBufferSize),
		done:    make(chan struct{}),
	}
	p.Master = &Master{pair: p}
	p.Subordinate = &Subordinate{
		pair:    p,
		termios: Termios{Lflag: ICANON | ECHO},
	}
	go p.lineProcessor()
	return p
}

// Termios returns the subordinate's current termios configuration.
func (s *Subordinate) Termios() Termios { return s.termios }

// SetTermios installs a new termios configuration.
func (s *Subordinate) SetTermios(t Termios) { s.termios = t }

// Close stops the pair's line-processor goroutine. Pending buffered
// bytes are discarded.
func (p *Pair) Close() {
	close(p.done)
}

// Read drains one byte at a time from the display FIFO, blocking when
// empty, until tr is satisfied (spec §4.6 "Master read").
func (m *Master) Read(tr *usermem.Transfer) *kerrno.Errno {
	buf := make([]byte, 1)
	for tr.LengthRemaining > 0 {
		buf[0] = <-m.pair.display
		if err := usermem.Copy(buf, tr, 1); err != nil {
			return err
		}
	}
	return nil
}

// Write pulls bytes from tr and enqueues them on the keyboard FIFO,
// blocking when full (spec §4.6 "Master write").
func (m *Master) Write(tr *usermem.Transfer) *kerrno.Errno {
	buf := make([]byte, 1)
	for tr.LengthRemaining > 0 {
		if err := usermem.Copy(buf, tr, 1); err != nil {
			return err
		}
		m.pair.keybrd <- buf[0]
	}
	return nil
}

// Read blocks for the first byte from the flushed-line FIFO, then
// greedily drains any further immediately-available bytes without
// blocking (spec §4.6 "Subordinate read").
func (s *Subordinate) Read(tr *usermem.Transfer) *kerrno.Errno {
	if tr.LengthRemaining == 0 {
		return nil
	}

	buf := make([]byte, 1)
	buf[0] = <-s.pair.flushed
	if err := usermem.Copy(buf, tr, 1); err != nil {
		return err
	}

	for tr.LengthRemaining > 0 {
		select {
		case c := <-s.pair.flushed:
			buf[0] = c
			if err := usermem.Copy(buf, tr, 1); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// Write pushes bytes from tr into the display FIFO (spec §4.6
// "Subordinate write").
func (s *Subordinate) Write(tr *usermem.Transfer) *kerrno.Errno {
	buf := make([]byte, 1)
	for tr.LengthRemaining > 0 {
		if err := usermem.Copy(buf, tr, 1); err != nil {
			return err
		}
		s.pair.display <- buf[0]
	}
	return nil
}

func (s *Subordinate) addToLineBuffer(c byte, width byte) {
	if len(s.lineBuffer) >= lineBufferSize {
		return // overflow silently dropped, spec §4.6 step 3
	}
	s.lineBuffer = append(s.lineBuffer, c)
	s.lineCharWidths = append(s.lineCharWidths, width)
}

func (s *Subordinate) removeFromLineBuffer() {
	if len(s.lineBuffer) == 0 {
		return
	}
	s.lineBuffer = s.lineBuffer[:len(s.lineBuffer)-1]
	s.lineCharWidths = s.lineCharWidths[:len(s.lineCharWidths)-1]
}

func (p *Pair) flushLineBuffer() {
	s := p.Subordinate
	for _, c := range s.lineBuffer {
		p.flushed <- c
	}
	s.lineBuffer = s.lineBuffer[:0]
	s.lineCharWidths = s.lineCharWidths[:0]
}

// lineProcessor is the dedicated per-pair thread of spec §4.6: it
// applies the termios policy to each keystroke in arrival order. The
// original runs this at a fixed elevated scheduling priority so
// keystrokes are not starved; this core has no scheduler priority
// knob to set (spec §2 "Thread primitives (external)"), so the
// goroutine simply runs unthrottled.
func (p *Pair) lineProcessor() {
	sub := p.Subordinate
	for {
		var c byte
		select {
		case c = <-p.keybrd:
		case <-p.done:
			return
		}

		echo := sub.termios.Lflag&ECHO != 0
		canon := sub.termios.Lflag&ICANON != 0

		if echo {
			if c == '\b' && canon && len(sub.lineBuffer) > 0 {
				p.display <- '\b'
				p.display <- ' '
				p.display <- '\b'
			} else {
				p.display <- c
			}
		}

		if c == '\b' && canon {
			sub.removeFromLineBuffer()
		} else {
			sub.addToLineBuffer(c, 1)
		}

		if c == '\n' || c == ETX || !canon {
			p.flushLineBuffer()
		}
	}
}
