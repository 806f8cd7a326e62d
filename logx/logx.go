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

// Package logx is the ambient logging seam shared by every registry and
// the trap dispatcher. It is deliberately just an interface: callers of
// this module plug in whatever sink they like (a kernel printk, a test
// buffer, termui) and the engine never imports a concrete logging backend.
package logx

import "fmt"

// Logger receives one already-formatted line per call.
type Logger interface {
	Log(msg string)
}

type discardLogger struct{}

func (discardLogger) Log(msg string) {}

// LoggerFunc adapts a plain function to Logger.
type LoggerFunc func(msg string)

// Log implements Logger.
func (f LoggerFunc) Log(msg string) { f(msg) }

var (
	defaultLogger Logger = discardLogger{}
	logger               = defaultLogger
	enabled              = false
)

// SetLogger installs impl as the sink for all subsequent Logf calls.
// Passing nil restores the default no-op sink.
func SetLogger(impl Logger) {
	if impl == nil {
		logger = defaultLogger
	} else {
		logger = impl
	}
}

// SetEnabled toggles whether Logf actually reaches the sink. Disabled by
// default so registering a few thousand kprobes in a test doesn't spam.
func SetEnabled(v bool) {
	enabled = v
}

// Logf formats and forwards msg to the installed Logger, if logging is
// enabled.
func Logf(format string, args ...interface{}) {
	if !enabled {
		return
	}
	logger.Log(fmt.Sprintf(format, args...))
}
