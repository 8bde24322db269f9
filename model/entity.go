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
	"context"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
)

// Entity is an instance of a Kind.
//
// Entities are not safe for concurrent use.
type Entity struct {
	kind *Kind
	key  *key.Key

	values map[string]any // by storage name

	// props is shared with the kind until a dynamic or orphan property is
	// added.
	props       map[string]*Property
	propsCloned bool

	projection []string
	projSet    stringset.Set

	counter *nestedCounter
}

// Kind returns the kind of the entity.
func (e *Entity) Kind() *Kind { return e.kind }

// Key returns the key of the entity, or nil.
func (e *Entity) Key() *key.Key { return e.key }

// SetKey sets the entity key. nil clears it.
//
// The key's kind must match the entity's kind, unless the entity is of the
// generic Expando kind.
func (e *Entity) SetKey(v any) error {
	switch k := v.(type) {
	case nil:
		e.key = nil
		return nil
	case *key.Key:
		if k == nil {
			e.key = nil
			return nil
		}
		if !e.kind.generic && k.Kind() != e.kind.name {
			return &KindError{fmt.Sprintf("expected key kind %s; received %s", e.kind.name, k.Kind())}
		}
		e.key = k
		return nil
	}
	return badValuef("expected *key.Key, got %#v", v)
}

// Projection returns the projected property names, or nil for a full
// entity.
func (e *Entity) Projection() []string {
	return append([]string(nil), e.projection...)
}

func (e *Entity) inProjection(name string) bool {
	return e.projSet != nil && e.projSet.Has(name)
}

func (e *Entity) setProjection(names []string) error {
	uniq := stringset.New(len(names))
	var proj []string
	for _, n := range names {
		if uniq.Add(n) {
			proj = append(proj, n)
		}
	}
	e.projection = proj
	e.projSet = uniq

	tails := map[string][]string{}
	for _, n := range proj {
		if head, tail, ok := strings.Cut(n, "."); ok {
			tails[head] = append(tails[head], tail)
		}
	}
	for head, sub := range tails {
		p := e.props[head]
		if p == nil {
			continue
		}
		items, err := p.baseValuesAsList(e)
		if err != nil {
			return err
		}
		for _, it := range items {
			if se, ok := it.(*Entity); ok {
				if err := se.setProjection(sub); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Entity) cloneProps() {
	if e.propsCloned {
		return
	}
	m := make(map[string]*Property, len(e.props)+1)
	for n, p := range e.props {
		m[n] = p
	}
	e.props = m
	e.propsCloned = true
}

func (e *Entity) addProp(p *Property) {
	e.cloneProps()
	e.props[p.name] = p
}

func (e *Entity) sortedProps() []*Property {
	if !e.propsCloned {
		return e.kind.sorted
	}
	ret := make([]*Property, 0, len(e.props))
	for _, p := range e.props {
		ret = append(ret, p)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].name < ret[j].name })
	return ret
}

// lookup finds a property by code name, including dynamic ones.
func (e *Entity) lookup(codeName string) *Property {
	if p := e.kind.byCode[codeName]; p != nil {
		return p
	}
	if p := e.props[codeName]; p != nil && e.kind.props[codeName] != p {
		return p
	}
	return nil
}

func (e *Entity) isDynamic(p *Property) bool {
	return e.kind.props[p.name] != p
}

// Get returns the user value of the named property.
//
// A dotted name reads through structured properties. Reading through a
// repeated structured property returns one value per sub-entity.
func (e *Entity) Get(name string) (any, error) {
	head, tail, dotted := strings.Cut(name, ".")
	p := e.lookup(head)
	if p == nil {
		return nil, &AttributeError{Kind: e.kind.name, Name: name}
	}
	v, err := p.GetValue(e)
	if err != nil || !dotted {
		return v, err
	}
	return getPath(e.kind.name, name, v, tail)
}

func getPath(kind, full string, v any, tail string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *Entity:
		return x.Get(tail)
	case []any:
		ret := make([]any, len(x))
		for i, it := range x {
			var err error
			if ret[i], err = getPath(kind, full, it, tail); err != nil {
				return nil, err
			}
		}
		return ret, nil
	}
	return nil, &AttributeError{Kind: kind, Name: full}
}

// Set validates and stores the value of the named property.
//
// Expando entities create a dynamic property for an unknown name. A dotted
// name writes through non-repeated structured properties, creating missing
// sub-entities.
func (e *Entity) Set(name string, v any) error {
	if head, tail, dotted := strings.Cut(name, "."); dotted {
		return e.setPath(head, tail, v)
	}
	if p := e.lookup(name); p != nil {
		return p.SetValue(e, v)
	}
	if !e.kind.expando {
		return &AttributeError{Kind: e.kind.name, Name: name}
	}
	if strings.HasPrefix(name, "_") {
		return badArgf("property %s: names starting with _ are reserved", name)
	}
	if len(e.projection) > 0 {
		return &ReadOnlyPropertyError{Msg: "you cannot set property values of a projection entity"}
	}
	p := e.dynamicProperty(name, v)
	if p.problem != nil {
		return p.problem
	}
	if err := p.SetValue(e, v); err != nil {
		return err
	}
	e.addProp(p)
	return nil
}

func (e *Entity) dynamicProperty(name string, v any) *Property {
	var p *Property
	switch x := v.(type) {
	case *Entity:
		if x != nil {
			p = Structured(name, e.kind.registry.expando)
		}
	case map[string]any:
		p = Structured(name, e.kind.registry.expando)
	}
	if p == nil {
		opts := []Option{Indexed(e.kind.defaultIndexed)}
		if _, ok := asList(v); ok {
			opts = append(opts, Repeated())
		}
		if e.kind.writeEmptyList {
			opts = append(opts, WriteEmptyList())
		}
		p = Generic(name, opts...)
	}
	p.owner = e.kind
	return p
}

func (e *Entity) setPath(head, tail string, v any) error {
	p := e.lookup(head)
	if p == nil {
		return &AttributeError{Kind: e.kind.name, Name: head + "." + tail}
	}
	if p.typ != TypeStructured {
		return &AttributeError{Kind: e.kind.name, Name: head + "." + tail}
	}
	if p.cfg.repeated {
		return badArgf("cannot set %s through repeated structured property %s", tail, head)
	}
	cur, err := p.GetValue(e)
	if err != nil {
		return err
	}
	if sub, _ := cur.(*Entity); sub != nil {
		return sub.Set(tail, v)
	}
	if len(e.projection) > 0 {
		return &ReadOnlyPropertyError{Msg: "you cannot set property values of a projection entity"}
	}
	sub := p.kind.newEntity()
	if err := sub.Set(tail, v); err != nil {
		return err
	}
	return p.SetValue(e, sub)
}

// Delete removes the value of the named property. Dynamic properties are
// removed altogether.
func (e *Entity) Delete(name string) error {
	p := e.lookup(name)
	if p == nil {
		return &AttributeError{Kind: e.kind.name, Name: name}
	}
	if err := p.DeleteValue(e); err != nil {
		return err
	}
	if e.isDynamic(p) {
		e.cloneProps()
		delete(e.props, p.name)
	}
	return nil
}

// Populate sets several properties at once.
//
// Either all values are stored or, if any of them fails, none is and all
// failures are returned as an errors.MultiError.
func (e *Entity) Populate(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	saved := e.snapshot(nil, map[*Entity]bool{})

	var merr errors.MultiError
	for _, n := range names {
		if err := e.Set(n, values[n]); err != nil {
			merr = append(merr, err)
		}
	}
	if len(merr) > 0 {
		for _, st := range saved {
			st.restore()
		}
		return merr
	}
	return nil
}

// entityState is a copy of the mutable parts of an entity.
type entityState struct {
	e      *Entity
	values map[string]any
	props  map[string]*Property
	cloned bool
}

func (st entityState) restore() {
	st.e.values = st.values
	st.e.props, st.e.propsCloned = st.props, st.cloned
}

// snapshot appends the state of e and of every sub-entity held in its
// values, since dotted writes modify sub-entities in place.
func (e *Entity) snapshot(out []entityState, seen map[*Entity]bool) []entityState {
	if seen[e] {
		return out
	}
	seen[e] = true
	st := entityState{
		e:      e,
		values: make(map[string]any, len(e.values)),
		props:  e.props,
		cloned: e.propsCloned,
	}
	for n, v := range e.values {
		if list, ok := v.([]any); ok {
			v = append([]any(nil), list...)
		}
		st.values[n] = v
	}
	out = append(out, st)
	for _, v := range e.values {
		switch x := unwrap(v).(type) {
		case *Entity:
			if x != nil {
				out = x.snapshot(out, seen)
			}
		case []any:
			for _, it := range x {
				if sub, ok := unwrap(it).(*Entity); ok && sub != nil {
					out = sub.snapshot(out, seen)
				}
			}
		}
	}
	return out
}

// Equal returns true if both entities have the same kind, key, projection,
// properties and property values.
func (e *Entity) Equal(o *Entity) bool {
	switch {
	case e == o:
		return true
	case e == nil || o == nil:
		return false
	case e.kind.name != o.kind.name, !e.key.Equal(o.key):
		return false
	case len(e.projection) > 0 || len(o.projection) > 0:
		a, b := stringset.NewFromSlice(e.projection...), stringset.NewFromSlice(o.projection...)
		if a.Len() != b.Len() || !a.Contains(b) {
			return false
		}
	}
	if len(e.props) != len(o.props) {
		return false
	}
	for n := range e.props {
		if o.props[n] == nil {
			return false
		}
	}

	names := stringset.New(len(e.props))
	if len(e.projection) > 0 {
		for _, n := range e.projection {
			head, _, _ := strings.Cut(n, ".")
			names.Add(head)
		}
	} else {
		for n := range e.props {
			names.Add(n)
		}
	}
	for _, n := range names.ToSortedSlice() {
		p, q := e.props[n], o.props[n]
		if p == nil || q == nil {
			return false
		}
		v1, err1 := p.GetValue(e)
		v2, err2 := q.GetValue(o)
		if err1 != nil || err2 != nil {
			return false
		}
		if !valuesEqual(v1, v2) {
			return false
		}
	}
	return true
}

func (e *Entity) String() string {
	var parts []string
	if e.key != nil {
		parts = append(parts, "key="+e.key.String())
	}
	props := append([]*Property(nil), e.sortedProps()...)
	sort.Slice(props, func(i, j int) bool { return props[i].codeName < props[j].codeName })
	for _, p := range props {
		if _, ok := e.values[p.name]; !ok {
			continue
		}
		v, err := p.GetValue(e)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", p.codeName, v))
	}
	if len(e.projection) > 0 {
		parts = append(parts, fmt.Sprintf("_projection=%v", e.projection))
	}
	return fmt.Sprintf("%s(%s)", e.kind.name, strings.Join(parts, ", "))
}

// ToDictOptions restricts the properties returned by ToDict.
type ToDictOptions struct {
	// Include lists code names to include. nil means all.
	Include []string
	// Exclude lists code names to leave out.
	Exclude []string
}

// ToDict returns the entity's user values keyed by code name.
//
// Properties outside a projection entity's projection are skipped.
// Sub-entities are converted to nested maps.
func (e *Entity) ToDict(opts ToDictOptions) (map[string]any, error) {
	var include stringset.Set
	if opts.Include != nil {
		include = stringset.NewFromSlice(opts.Include...)
	}
	exclude := stringset.NewFromSlice(opts.Exclude...)

	ret := map[string]any{}
	for _, p := range e.sortedProps() {
		if (include != nil && !include.Has(p.codeName)) || exclude.Has(p.codeName) {
			continue
		}
		v, err := p.GetValue(e)
		if err != nil {
			if _, ok := err.(*UnprojectedPropertyError); ok {
				continue
			}
			return nil, errors.Annotate(err, "property %s", p.codeName).Err()
		}
		if ret[p.codeName], err = dictValue(v); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func dictValue(v any) (any, error) {
	switch x := v.(type) {
	case *Entity:
		return x.ToDict(ToDictOptions{})
	case []any:
		ret := make([]any, len(x))
		for i, it := range x {
			var err error
			if ret[i], err = dictValue(it); err != nil {
				return nil, err
			}
		}
		return ret, nil
	}
	return v, nil
}

// CheckInitialized returns BadValueError naming every required property
// without a value.
func (e *Entity) CheckInitialized() error {
	var missing []string
	for _, p := range e.sortedProps() {
		ok, err := p.isInitialized(e)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return badValuef("entity has uninitialized properties: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks that the entity is initialized and that every value
// converts to storage form, descending into sub-entities.
//
// All failures are returned as an errors.MultiError.
func (e *Entity) Validate() error {
	var merr errors.MultiError
	if err := e.CheckInitialized(); err != nil {
		merr = append(merr, err)
	}
	for _, p := range e.sortedProps() {
		if p.typ == TypeComputed {
			continue
		}
		if err := p.checkProjected(e); err != nil {
			continue
		}
		if _, err := p.GetStorageValue(e); err != nil {
			merr = append(merr, errors.Annotate(err, "property %s", p.name).Err())
			continue
		}
		if p.typ != TypeStructured {
			continue
		}
		subs, _ := p.baseValuesAsList(e)
		for _, s := range subs {
			if se, ok := s.(*Entity); ok {
				if err := se.Validate(); err != nil {
					merr = append(merr, errors.Annotate(err, "property %s", p.name).Err())
				}
			}
		}
	}
	if len(merr) > 0 {
		return merr
	}
	return nil
}

// PrepareForPut refreshes values which are calculated at write time:
// auto_now timestamps, computed properties, and the same within
// sub-entities.
func (e *Entity) PrepareForPut(ctx context.Context) error {
	for _, p := range e.sortedProps() {
		if err := p.prepareForPut(ctx, e); err != nil {
			return errors.Annotate(err, "property %s", p.name).Err()
		}
	}
	return nil
}

func (p *Property) prepareForPut(ctx context.Context, e *Entity) error {
	switch {
	case p.cfg.autoNow || (p.cfg.autoNowAdd && !p.hasValue(e, nil)):
		now := normalizeTime(clock.Now(ctx))
		var v any = now
		switch p.typ {
		case TypeDate:
			v = civil.DateOf(now)
		case TypeTime:
			v = civil.TimeOf(now)
		}
		p.storeValue(e, v)
	case p.typ == TypeComputed:
		_, err := p.GetValue(e)
		return err
	case p.typ == TypeStructured || p.typ == TypeLocalStructured:
		v, err := p.getUserValue(e)
		if err != nil {
			return err
		}
		items, ok := v.([]any)
		if !ok {
			items = []any{v}
		}
		for _, it := range items {
			if se, ok := it.(*Entity); ok {
				if err := se.PrepareForPut(ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// makeKey builds an entity key from the identity arguments of Kind.New.
func (k *Kind) makeKey(id, app, ns, parent any) (*key.Key, error) {
	var parentKey *key.Key
	switch x := parent.(type) {
	case nil:
	case *key.Key:
		if x != nil && !x.Valid(false) {
			return nil, badArgf("parent key must be complete, got %s", x)
		}
		parentKey = x
	default:
		return nil, badArgf("parent must be a *key.Key, got %#v", parent)
	}
	appID, ok := app.(string)
	if !ok && app != nil {
		return nil, badArgf("app must be a string, got %#v", app)
	}
	namespace, ok := ns.(string)
	if !ok && ns != nil {
		return nil, badArgf("namespace must be a string, got %#v", ns)
	}
	var stringID string
	var intID int64
	switch x := id.(type) {
	case nil:
	case string:
		stringID = x
	default:
		if intID, ok = toInt64(id); !ok {
			return nil, badArgf("id must be a string or an integer, got %#v", id)
		}
	}
	return key.New(appID, namespace, k.name, stringID, intID, parentKey), nil
}
