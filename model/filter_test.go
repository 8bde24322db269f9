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

import (
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestFilters(t *testing.T) {
	t.Parallel()

	ftt.Run("Filters", t, func(t *ftt.Test) {
		r := NewRegistry()
		addr, err := r.Define("Addr", String("city"), Integer("zips", Repeated()))
		assert.Loosely(t, err, should.BeNil)
		person, err := r.Define("Person",
			Integer("n"),
			String("s"),
			Text("t"),
			Structured("home", addr, Name("h")),
		)
		assert.Loosely(t, err, should.BeNil)

		n, _ := person.Property("n")
		s, _ := person.Property("s")
		tx, _ := person.Property("t")
		home, _ := person.Property("home")

		t.Run("Comparison", func(t *ftt.Test) {
			f, err := n.Comparison("<", 5)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](&FilterNode{Name: "n", Op: "<", Value: int64(5)}))
			assert.Loosely(t, f.String(), should.Equal(`FilterNode("n", "<", 5)`))

			f, err = s.Comparison("=", "abc")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](&FilterNode{Name: "s", Op: "=", Value: "abc"}))

			f, err = s.Comparison("!=", nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](&FilterNode{Name: "s", Op: "!="}))
		})

		t.Run("Comparison errors", func(t *ftt.Test) {
			_, err := n.Comparison("~", 5)
			assert.Loosely(t, err, should.ErrLike("invalid operator"))
			_, isBadFilter := err.(*BadFilterError)
			assert.Loosely(t, isBadFilter, should.BeTrue)

			_, err = tx.Comparison("=", "x")
			assert.Loosely(t, err, should.ErrLike("cannot query for unindexed property t"))

			_, err = n.Comparison("=", "x")
			_, isBadValue := err.(*BadValueError)
			assert.Loosely(t, isBadValue, should.BeTrue)
		})

		t.Run("In", func(t *ftt.Test) {
			f, err := n.In([]int{1, 2})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](&DisjunctionNode{Nodes: []Filter{
				&FilterNode{Name: "n", Op: "=", Value: int64(1)},
				&FilterNode{Name: "n", Op: "=", Value: int64(2)},
			}}))

			f, err = n.In([]int{3})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](&FilterNode{Name: "n", Op: "=", Value: int64(3)}))

			f, err = n.In([]int{})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](FalseNode{}))

			_, err = n.In(5)
			assert.Loosely(t, err, should.ErrLike("expected list"))
		})

		t.Run("structured", func(t *ftt.Test) {
			f, err := home.Comparison("=", map[string]any{"city": "Paris"})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](&FilterNode{Name: "h.city", Op: "=", Value: "Paris"}))

			f, err = home.Comparison("=", map[string]any{"city": "Paris", "zips": []int{1, 2}})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f.String(), should.Equal(
				`AND(FilterNode("h.city", "=", "Paris"), OR(FilterNode("h.zips", "=", 1), FilterNode("h.zips", "=", 2)))`))

			f, err = home.Comparison("=", nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, f, should.Match[Filter](&FilterNode{Name: "h", Op: "="}))

			_, err = home.Comparison("<", map[string]any{"city": "Paris"})
			assert.Loosely(t, err, should.ErrLike("only supports = operator"))
			_, err = home.Comparison("=", map[string]any{})
			assert.Loosely(t, err, should.ErrLike("has no values set"))
			_, err = home.Comparison("=", 5)
			assert.Loosely(t, err, should.ErrLike("expected Addr instance"))
		})

		t.Run("Sub", func(t *ftt.Test) {
			city, err := home.Sub("city")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, city.Name(), should.Equal("h.city"))
			assert.Loosely(t, city.CodeName(), should.Equal("city"))
			again, _ := home.Sub("city")
			assert.Loosely(t, again, should.Equal(city))

			_, err = home.Sub("nope")
			assert.Loosely(t, err, should.ErrLike("kind Addr has no attribute nope"))
			_, err = n.Sub("x")
			assert.Loosely(t, err, should.ErrLike("has no attribute n.x"))
		})
	})
}
