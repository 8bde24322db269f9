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
	"fmt"
	"strings"
)

// Filter is a node of a query filter tree.
type Filter interface {
	fmt.Stringer
	isFilter()
}

// FilterNode compares one property with a storage form value.
type FilterNode struct {
	Name  string
	Op    string
	Value any
}

// ConjunctionNode matches when all of its nodes match.
type ConjunctionNode struct {
	Nodes []Filter
}

// DisjunctionNode matches when any of its nodes matches.
type DisjunctionNode struct {
	Nodes []Filter
}

// FalseNode never matches.
type FalseNode struct{}

func (*FilterNode) isFilter()      {}
func (*ConjunctionNode) isFilter() {}
func (*DisjunctionNode) isFilter() {}
func (FalseNode) isFilter()        {}

func (f *FilterNode) String() string {
	return fmt.Sprintf("FilterNode(%q, %q, %#v)", f.Name, f.Op, f.Value)
}

func (c *ConjunctionNode) String() string { return "AND(" + joinFilters(c.Nodes) + ")" }

func (d *DisjunctionNode) String() string { return "OR(" + joinFilters(d.Nodes) + ")" }

func (FalseNode) String() string { return "FalseNode()" }

func joinFilters(fs []Filter) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}

var filterOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// Comparison returns a filter comparing the property with v.
//
// v is validated and converted to storage form. Unindexed properties can't
// be filtered on. Structured properties only support "=" and produce a
// conjunction of filters on the sub-properties set in v.
func (p *Property) Comparison(op string, v any) (Filter, error) {
	if !filterOps[op] {
		return nil, badFilterf("invalid operator %q", op)
	}
	if p.typ == TypeStructured {
		return p.structuredComparison(op, v)
	}
	if !p.cfg.indexed {
		return nil, badFilterf("cannot query for unindexed property %s", p.name)
	}
	if v != nil {
		var err error
		if v, err = p.doValidate(v); err != nil {
			return nil, err
		}
		if v, err = p.callToBase(v); err != nil {
			return nil, err
		}
		v = p.queryValue(v)
	}
	return &FilterNode{Name: p.name, Op: op, Value: v}, nil
}

// queryValue converts a storage form value into the value a filter holds.
func (p *Property) queryValue(v any) any {
	if b, ok := v.([]byte); ok && p.typ.isText() {
		return string(b)
	}
	return v
}

// In returns a filter matching any of the values in vs, which must be a
// slice or array.
func (p *Property) In(vs any) (Filter, error) {
	list, ok := asList(vs)
	if !ok {
		return nil, badArgf("expected list, tuple or set, got %#v", vs)
	}
	if len(list) == 0 {
		return FalseNode{}, nil
	}
	nodes := make([]Filter, len(list))
	for i, v := range list {
		var err error
		if nodes[i], err = p.Comparison("=", v); err != nil {
			return nil, err
		}
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &DisjunctionNode{Nodes: nodes}, nil
}

func (p *Property) structuredComparison(op string, v any) (Filter, error) {
	if op != "=" {
		return nil, badFilterf("StructuredProperty %s only supports = operator", p.name)
	}
	if v == nil {
		return &FilterNode{Name: p.name, Op: op}, nil
	}
	v, err := p.doValidate(v)
	if err != nil {
		return nil, err
	}
	sub := v.(*Entity)
	var nodes []Filter
	for _, sp := range sub.sortedProps() {
		if _, ok := sub.values[sp.name]; !ok {
			continue
		}
		val, err := sp.GetValue(sub)
		if err != nil {
			return nil, err
		}
		if val == nil {
			continue
		}
		alt, err := p.Sub(sp.codeName)
		if err != nil {
			return nil, err
		}
		var f Filter
		if sp.cfg.repeated {
			f, err = alt.In(val)
		} else {
			f, err = alt.Comparison(op, val)
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, f)
	}
	if len(nodes) == 0 {
		return nil, badFilterf("StructuredProperty %s filter has no values set", p.name)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &ConjunctionNode{Nodes: nodes}, nil
}
