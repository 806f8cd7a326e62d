// Copyright © 2019 mg
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package trap provides the two trap-entry points spec.md §4.5
// describes — KernelTrap and UserTrap — routing a breakpoint fault to
// the matching registry. The state machine itself lives in the
// registries (package kprobes, package uprobes); this package is the
// thin dispatcher that original_source/kernel/src/trap/trap.rs plays:
// the kernel's trap entry vector calls one of these two functions with
// a trap frame, and it is this package's job to decide which registry
// owns it.
package trap

import (
	"rvprobe/kprobes"
	"rvprobe/probe"
	"rvprobe/uprobes"
)

// KernelTrap delivers a kernel-mode breakpoint trap to the kprobe
// registry. It returns true if the trap was a registered probe site.
func KernelTrap(frame *probe.Frame) bool {
	return kprobes.Default.HandleTrap(frame)
}

// UserTrap delivers a user-mode breakpoint trap, for the process
// currently executing path, to the uprobe registry. It returns true if
// the trap was a registered probe site for that path.
func UserTrap(path string, frame *probe.Frame) bool {
	return uprobes.Default.HandleTrap(path, frame)
}
