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
	"sort"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
)

// Kind is an entity schema: a name and a set of properties.
//
// Kinds are created by Registry.Define and are immutable afterwards.
type Kind struct {
	name     string
	registry *Registry

	props  map[string]*Property // by storage name
	byCode map[string]*Property // by code name
	sorted []*Property          // by storage name

	expando        bool
	generic        bool
	defaultIndexed bool
	writeEmptyList bool
	hasRepeated    bool
}

// Name returns the kind name.
func (k *Kind) Name() string { return k.name }

// Registry returns the registry the kind is defined in.
func (k *Kind) Registry() *Registry { return k.registry }

// IsExpando returns true if entities of this kind accept dynamic
// properties.
func (k *Kind) IsExpando() bool { return k.expando }

// HasRepeated returns true if the kind contains a repeated property,
// directly or through a structured property.
func (k *Kind) HasRepeated() bool { return k.hasRepeated }

// Properties returns the declared properties sorted by storage name.
func (k *Kind) Properties() []*Property {
	return append([]*Property(nil), k.sorted...)
}

// Property returns the declared property with the given code name.
func (k *Kind) Property(codeName string) (*Property, bool) {
	p, ok := k.byCode[codeName]
	return p, ok
}

func (k *Kind) String() string { return k.name }

// newEntity returns an empty entity of this kind.
func (k *Kind) newEntity() *Entity {
	return &Entity{
		kind:    k,
		values:  map[string]any{},
		props:   k.props,
		counter: newNestedCounter(),
	}
}

// New constructs an entity from named arguments.
//
// Besides property code names, args may contain the identity arguments
// "key", "id", "parent", "app", "namespace" and "projection". Each may also
// be given with a leading underscore, which wins when the bare name is a
// declared property. "key" is exclusive with all other identity arguments.
func (k *Kind) New(args map[string]any) (*Entity, error) {
	e := k.newEntity()
	rest := make(map[string]any, len(args))
	for n, v := range args {
		rest[n] = v
	}
	getArg := func(name string) any {
		if v, ok := rest["_"+name]; ok {
			delete(rest, "_"+name)
			return v
		}
		if v, ok := rest[name]; ok {
			if _, isProp := k.byCode[name]; !isProp {
				delete(rest, name)
				return v
			}
		}
		return nil
	}

	keyArg := getArg("key")
	id := getArg("id")
	app := getArg("app")
	ns := getArg("namespace")
	parent := getArg("parent")
	projection := getArg("projection")

	if keyArg != nil {
		if id != nil || app != nil || ns != nil || parent != nil {
			return nil, badArgf("Kind.New given key does not accept id, app, namespace, or parent")
		}
		if err := e.SetKey(keyArg); err != nil {
			return nil, err
		}
	} else if id != nil || app != nil || ns != nil || parent != nil {
		kk, err := k.makeKey(id, app, ns, parent)
		if err != nil {
			return nil, err
		}
		e.key = kk
	}

	if err := e.Populate(rest); err != nil {
		return nil, err
	}

	if projection != nil {
		names, ok := asList(projection)
		if !ok {
			return nil, badArgf("projection must be a list of strings, got %#v", projection)
		}
		strs := make([]string, len(names))
		for i, n := range names {
			if strs[i], ok = n.(string); !ok {
				return nil, badArgf("projection must be a list of strings, got %#v", projection)
			}
		}
		if err := k.CheckProperties(strs, false); err != nil {
			return nil, err
		}
		if err := e.setProjection(strs); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// CheckProperties verifies that names may be used for projections or
// queries on this kind.
//
// Dotted names reference sub-properties of structured properties. When
// requireIndexed is true, every named property must be indexed. Unknown
// names are only accepted by expando kinds.
func (k *Kind) CheckProperties(names []string, requireIndexed bool) error {
	for _, name := range names {
		head, tail, dotted := strings.Cut(name, ".")
		p := k.props[head]
		if p == nil {
			if k.expando {
				continue
			}
			return invalidPropf("unknown property %s", name)
		}
		switch {
		case dotted && p.typ != TypeStructured:
			return invalidPropf("%s is not a structured property", head)
		case dotted:
			if err := p.kind.CheckProperties([]string{tail}, requireIndexed); err != nil {
				return err
			}
		case p.typ == TypeStructured:
			return invalidPropf("structured property %s requires a subproperty", name)
		case requireIndexed && !p.cfg.indexed:
			return invalidPropf("property is unindexed %s", name)
		}
	}
	return nil
}

// checkDefinition validates props for a new kind before binding them.
func checkDefinition(r *Registry, props []*Property) error {
	names := stringset.New(len(props))
	codes := stringset.New(len(props))
	for _, p := range props {
		switch {
		case p == nil:
			return badArgf("nil property")
		case p.problem != nil:
			return p.problem
		case p.owner != nil:
			return badArgf("property %s is already bound to kind %s", p.codeName, p.owner.name)
		case strings.HasPrefix(p.codeName, "_"):
			return badArgf("property %s: names starting with _ are reserved", p.codeName)
		case p.codeName == "key":
			return badArgf("cannot define a property named key")
		case !names.Add(p.name):
			return badArgf("duplicate storage name %s", p.name)
		case !codes.Add(p.codeName):
			return badArgf("duplicate property %s", p.codeName)
		case p.kind != nil && p.kind.registry != r:
			return badArgf("property %s references kind %s from another registry", p.codeName, p.kind.name)
		}
	}
	return nil
}

func (k *Kind) bind(props []*Property) {
	k.props = make(map[string]*Property, len(props))
	k.byCode = make(map[string]*Property, len(props))
	for _, p := range props {
		p.fixUp(k, p.codeName)
		k.props[p.name] = p
		k.byCode[p.codeName] = p
		k.sorted = append(k.sorted, p)
		if p.cfg.repeated || (p.typ == TypeStructured && p.kind.hasRepeated) {
			k.hasRepeated = true
		}
	}
	sort.Slice(k.sorted, func(i, j int) bool { return k.sorted[i].name < k.sorted[j].name })
}
