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

package scsi

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storgo/stgt/pkg/perf"
	"github.com/storgo/stgt/pkg/storage"
)

// Target is one exported volume: an iSCSI name, an optional alias, and the
// block store behind LUN 0.
type Target struct {
	Name  string
	Alias string
	Store storage.BlockStore

	readPerf  *perf.Performance
	writePerf *perf.Performance
}

func NewTarget(name, alias string, store storage.BlockStore) *Target {
	t := &Target{
		Name:      name,
		Alias:     alias,
		Store:     store,
		readPerf:  perf.NewPerformance(),
		writePerf: perf.NewPerformance(),
	}
	perf.RegisterTargetMetrics(name, t.readPerf, t.writePerf)
	return t
}

func (t *Target) BytesReadPerSecond() int64 {
	return t.readPerf.BytesPerSecond()
}

func (t *Target) BytesWrittenPerSecond() int64 {
	return t.writePerf.BytesPerSecond()
}

func (t *Target) addReadPoint(bytes int64, start, end time.Time) {
	t.readPerf.AddPoint(bytes, start, end)
}

func (t *Target) addWritePoint(bytes int64, start, end time.Time) {
	t.writePerf.AddPoint(bytes, start, end)
}

// Registry maps target name to Target. Reads outnumber mutations by far;
// removal of a target that still has live sessions is refused.
type Registry struct {
	lock    sync.RWMutex
	targets map[string]*Target
	inUse   map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		targets: map[string]*Target{},
		inUse:   map[string]int{},
	}
}

func (r *Registry) Add(t *Target) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.targets[t.Name]; ok {
		return fmt.Errorf("target name %s already exists", t.Name)
	}
	r.targets[t.Name] = t
	return nil
}

// Get looks a target up by name; nil means "target not found".
func (r *Registry) Get(name string) *Target {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.targets[name]
}

func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acquire marks the named target as referenced by a session.
func (r *Registry) Acquire(name string) *Target {
	r.lock.Lock()
	defer r.lock.Unlock()
	t := r.targets[name]
	if t != nil {
		r.inUse[name]++
	}
	return t
}

// Release drops one session reference.
func (r *Registry) Release(name string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.inUse[name] > 0 {
		r.inUse[name]--
	}
}

// Remove deletes a target unless a session still references it.
func (r *Registry) Remove(name string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.targets[name]; !ok {
		return fmt.Errorf("no such target: %s", name)
	}
	if r.inUse[name] > 0 {
		return fmt.Errorf("target %s is in use", name)
	}
	delete(r.targets, name)
	delete(r.inUse, name)
	return nil
}
