/*
Copyright 2017 The Storgo Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytesPerSecondEmpty(t *testing.T) {
	p := NewPerformance()
	assert.Equal(t, int64(0), p.BytesPerSecond())
}

func TestBytesPerSecond(t *testing.T) {
	p := NewPerformance()
	now := time.Now()
	// two transfers of 1 MiB each over one second
	p.AddPoint(1<<20, now.Add(-time.Second), now.Add(-500*time.Millisecond))
	p.AddPoint(1<<20, now.Add(-500*time.Millisecond), now)
	got := p.BytesPerSecond()
	assert.InDelta(t, float64(2<<20), float64(got), float64(1<<18))
}

func TestOldSamplesFallOff(t *testing.T) {
	p := NewPerformance()
	now := time.Now()
	p.AddPoint(1<<30, now.Add(-time.Hour), now.Add(-time.Hour))
	assert.Equal(t, int64(0), p.BytesPerSecond())
}
