// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

// nestedCounter tracks, per dotted path, the index of the next repeated
// sub-entity a field of that path may be written to.
//
// A leaf node holds its own index. A node becomes a parent once a deeper
// path is incremented through it; its value is then the max of its
// children. Incrementing a parent moves all its descendants to max+1, so
// that a subsequent partial sub-entity never overwrites an earlier one.
//
// For a repeated `a` with sub-structure `b{c, d}`, the fields
//
//	a.b = nil, a.b.c = 1, a.b.d = nil, a.b = nil, a.b.c = 2, a.b.d = 3
//
// leave the counters (a, a.b, a.b.c, a.b.d) at
//
//	@1 1 - -, @2 @2 2 -, @2 @2 2 2, @3 @3 3 3, @4 @4 4 3, @4 @4 4 4
//
// where @ marks a value computed from the children.
type nestedCounter struct {
	counter int // -1 for parent nodes
	subs    map[string]*nestedCounter
}

func newNestedCounter() *nestedCounter {
	return &nestedCounter{}
}

func (c *nestedCounter) sub(name string) *nestedCounter {
	if c.subs == nil {
		c.subs = map[string]*nestedCounter{}
	}
	s := c.subs[name]
	if s == nil {
		s = newNestedCounter()
		c.subs[name] = s
	}
	return s
}

func (c *nestedCounter) isParent() bool { return c.counter == -1 }

// get returns the current value for the path.
func (c *nestedCounter) get(parts []string) int {
	if len(parts) > 0 {
		return c.sub(parts[0]).get(parts[1:])
	}
	if c.isParent() {
		max := 0
		for _, s := range c.subs {
			if v := s.get(nil); v > max {
				max = v
			}
		}
		return max
	}
	return c.counter
}

// increment advances the counter for the path and returns its new value.
func (c *nestedCounter) increment(parts []string) int {
	if len(parts) > 0 {
		c.counter = -1
		return c.sub(parts[0]).increment(parts[1:])
	}
	if c.isParent() {
		value := c.get(nil) + 1
		c.set(value)
		return value
	}
	c.counter++
	return c.counter
}

// set updates all descendants to value.
func (c *nestedCounter) set(value int) {
	if !c.isParent() {
		c.counter = value
		return
	}
	for _, s := range c.subs {
		s.set(value)
	}
}
