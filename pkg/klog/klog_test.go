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

package klog

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLevelTogglesDebug(t *testing.T) {
	SetLevel(true)
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("GetLevel() = %v, want DebugLevel", log.GetLevel())
	}

	SetLevel(false)
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("GetLevel() = %v, want InfoLevel", log.GetLevel())
	}
}

func TestLevelHelpersDoNotPanic(t *testing.T) {
	SetLevel(true)
	defer SetLevel(false)

	Debugf("debug %d", 1)
	Infof("info %s", "x")
	Warningf("warn")
	Errorf("error %v", nil)
}
