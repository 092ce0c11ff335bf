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

// Package klog is the kernel's leveled logging sink. It stands in for the
// original C core's LogWriteSerial/LogDeveloperWarning calls, backed by
// logrus rather than a hand-rolled writer.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the minimum emitted log level, e.g. for -v flags in
// cmd/merlonctl.
func SetLevel(debug bool) {
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

func Debugf(format string, args ...any)   { log.Debugf(format, args...) }
func Infof(format string, args ...any)    { log.Infof(format, args...) }
func Warningf(format string, args ...any) { log.Warnf(format, args...) }
func Errorf(format string, args ...any)   { log.Errorf(format, args...) }
