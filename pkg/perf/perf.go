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

// Package perf tracks per-target transfer rates over a sliding window.
package perf

import (
	"container/list"
	"sync"
	"time"
)

// timeToAverageOver bounds the sample window; older points fall off.
const timeToAverageOver = 10 * time.Second

type performancePoint struct {
	bytesTransferred int64
	startTime        time.Time
	endTime          time.Time
}

// Performance is a sliding log of transfer samples reporting bytes/second.
// Safe for concurrent use.
type Performance struct {
	lock sync.Mutex
	log  *list.List
}

func NewPerformance() *Performance {
	return &Performance{log: list.New()}
}

// AddPoint records one completed transfer.
func (p *Performance) AddPoint(bytesTransferred int64, startTime, endTime time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for p.log.Len() > 0 {
		front := p.log.Front().Value.(performancePoint)
		if endTime.Sub(front.endTime) <= timeToAverageOver {
			break
		}
		p.log.Remove(p.log.Front())
	}
	p.log.PushBack(performancePoint{bytesTransferred, startTime, endTime})
}

// BytesPerSecond averages the samples still inside the window.
func (p *Performance) BytesPerSecond() int64 {
	curTime := time.Now()
	p.lock.Lock()
	defer p.lock.Unlock()
	for p.log.Len() > 0 {
		front := p.log.Front().Value.(performancePoint)
		if curTime.Sub(front.endTime) <= timeToAverageOver {
			break
		}
		p.log.Remove(p.log.Front())
	}
	if p.log.Len() == 0 {
		return 0
	}
	startTime := p.log.Front().Value.(performancePoint).startTime
	endTime := p.log.Back().Value.(performancePoint).endTime
	elapsed := endTime.Sub(startTime)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	var bytesTransferred int64
	for e := p.log.Front(); e != nil; e = e.Next() {
		bytesTransferred += e.Value.(performancePoint).bytesTransferred
	}
	return int64(float64(bytesTransferred) / elapsed.Seconds())
}
