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
	"reflect"
	"strings"
	"sync"
)

// maxIndexedLength is the maximum length in bytes of an indexed string or
// blob value.
const maxIndexedLength = 1500

// ValidatorFunc is a user supplied validation callback.
//
// It is called with the property and the value after the property's own
// validation. It returns the value to use (nil means "unchanged") or an
// error. It must be idempotent: calling it again on its own output must not
// change the value further.
type ValidatorFunc func(p *Property, v any) (any, error)

// ComputeFunc calculates the value of a Computed property.
type ComputeFunc func(e *Entity) (any, error)

type hook func(p *Property, v any) (any, error)

// layer is one stage of a property's conversion pipeline.
//
// A property's layers are ordered from the user-facing one to the
// storage-facing one. Converting to storage form runs validate and toBase of
// every layer in order; converting back runs fromBase in reverse order.
type layer struct {
	validate hook
	toBase   hook
	fromBase hook
}

// config holds the options a Property was constructed with.
type config struct {
	name           string
	indexed        bool
	indexedSet     bool
	repeated       bool
	required       bool
	def            any
	choices        []any
	validator      ValidatorFunc
	writeEmptyList bool
	compressed     bool
	autoNow        bool
	autoNowAdd     bool
	keyKind        string
	keepKeys       bool
	decodeAs       reflect.Type
	compute        ComputeFunc
	verboseName    string
}

// Option customizes a Property at construction time.
type Option func(c *config)

// Name sets the storage name of the property. Defaults to the code name.
func Name(storageName string) Option {
	return func(c *config) { c.name = storageName }
}

// Indexed overrides whether the property is indexed.
func Indexed(indexed bool) Option {
	return func(c *config) {
		c.indexed = indexed
		c.indexedSet = true
	}
}

// Repeated makes the property hold a list of values.
func Repeated() Option {
	return func(c *config) { c.repeated = true }
}

// Required makes the property require a non-nil value before the entity can
// be serialized.
func Required() Option {
	return func(c *config) { c.required = true }
}

// Default sets the value returned for the property when it's unset.
func Default(v any) Option {
	return func(c *config) { c.def = v }
}

// Choices restricts the values the property may hold.
func Choices(vs ...any) Option {
	return func(c *config) { c.choices = append(c.choices, vs...) }
}

// Validator installs a user validation callback.
func Validator(fn ValidatorFunc) Option {
	return func(c *config) { c.validator = fn }
}

// WriteEmptyList makes an empty repeated property be written to storage
// as an explicit empty list instead of being omitted.
func WriteEmptyList() Option {
	return func(c *config) { c.writeEmptyList = true }
}

// Compressed zlib-compresses the stored value. Implies unindexed.
func Compressed() Option {
	return func(c *config) { c.compressed = true }
}

// AutoNow sets a DateTime, Date or Time property to the current time every
// time the entity is prepared for storage.
func AutoNow() Option {
	return func(c *config) { c.autoNow = true }
}

// AutoNowAdd sets a DateTime, Date or Time property to the current time when
// the entity is prepared for storage and the property has no value yet.
func AutoNowAdd() Option {
	return func(c *config) { c.autoNowAdd = true }
}

// KeyKind requires keys assigned to a Key property to be of the given kind.
func KeyKind(kind string) Option {
	return func(c *config) { c.keyKind = kind }
}

// KeepKeys makes a LocalStructured property store the keys of its
// sub-entities.
func KeepKeys() Option {
	return func(c *config) { c.keepKeys = true }
}

// DecodeAs makes a JSON or Msgpack property decode stored values into the
// type of sample, and only accept values of that type.
func DecodeAs(sample any) Option {
	return func(c *config) { c.decodeAs = reflect.TypeOf(sample) }
}

// VerboseName sets a human readable name for the property.
func VerboseName(name string) Option {
	return func(c *config) { c.verboseName = name }
}

// Property describes one named, typed attribute of a Kind.
//
// Properties are created by the variant constructors (String, Integer,
// Structured, ...) and bound to a Kind by Registry.Define. After that they
// are read-only and may be shared between goroutines.
type Property struct {
	typ      Type
	codeName string
	name     string
	cfg      config
	layers   []layer

	// kind is the sub-entity kind of Structured and LocalStructured
	// properties.
	kind *Kind
	// owner is the Kind this property was bound to.
	owner *Kind

	problem error

	subMu sync.Mutex
	subs  map[string]*Property
}

func newProperty(typ Type, codeName string, kind *Kind, layers []layer, opts []Option) *Property {
	cfg := config{indexed: typ.defaultIndexed()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.compressed && !cfg.indexedSet {
		cfg.indexed = false
	}
	p := &Property{
		typ:      typ,
		codeName: codeName,
		name:     cfg.name,
		cfg:      cfg,
		layers:   layers,
		kind:     kind,
	}
	if p.name == "" {
		p.name = codeName
	}
	p.problem = p.check()
	return p
}

// check returns a problem with the property's definition, if any.
func (p *Property) check() error {
	c := &p.cfg
	switch {
	case p.codeName == "":
		return badArgf("property without a name")
	case strings.Contains(p.name, "."):
		return badArgf("name %q cannot contain period characters", p.name)
	case c.repeated && (c.required || c.def != nil):
		return badArgf("property %s: repeated is incompatible with required or default", p.name)
	case c.compressed && c.indexed:
		return &NotImplementedError{fmt.Sprintf("%sProperty %s cannot be compressed and indexed at the same time", p.typ, p.name)}
	case p.typ == TypeLocalStructured && c.indexed:
		return &NotImplementedError{fmt.Sprintf("cannot index LocalStructuredProperty %s", p.name)}
	case c.repeated && (c.autoNow || c.autoNowAdd):
		return badArgf("%sProperty %s could use auto_now and be repeated, but there would be no point", p.typ, p.name)
	case (c.autoNow || c.autoNowAdd) && !p.typ.isTime():
		return badArgf("property %s: auto_now is only supported by DateTime, Date and Time properties", p.name)
	case c.decodeAs != nil && p.typ != TypeJSON && p.typ != TypeMsgpack:
		return badArgf("property %s: DecodeAs is only supported by JSON and Msgpack properties", p.name)
	case c.keyKind != "" && p.typ != TypeKey:
		return badArgf("property %s: KeyKind is only supported by Key properties", p.name)
	case (p.typ == TypeStructured || p.typ == TypeLocalStructured) && p.kind == nil:
		return badArgf("%sProperty %s requires a kind", p.typ, p.name)
	case p.typ == TypeStructured && c.repeated && p.kind.hasRepeated:
		return badArgf("StructuredProperty %s cannot use repeated because its kind (%s) contains repeated properties (directly or indirectly)", p.name, p.kind.name)
	case p.typ == TypeComputed && c.compute == nil:
		return badArgf("ComputedProperty %s requires a function", p.name)
	}
	return nil
}

// Name returns the storage name of the property.
func (p *Property) Name() string { return p.name }

// CodeName returns the name the property is accessed by.
func (p *Property) CodeName() string { return p.codeName }

// Type returns the variant of the property.
func (p *Property) Type() Type { return p.typ }

// Indexed returns true if the property's values are indexed.
func (p *Property) Indexed() bool { return p.cfg.indexed }

// Repeated returns true if the property holds a list of values.
func (p *Property) Repeated() bool { return p.cfg.repeated }

// Required returns true if the property must have a non-nil value.
func (p *Property) Required() bool { return p.cfg.required }

// Compressed returns true if stored values are compressed.
func (p *Property) Compressed() bool { return p.cfg.compressed }

// Default returns the default value of the property, if any.
func (p *Property) Default() any { return p.cfg.def }

// Choices returns the allowed values of the property, if restricted.
func (p *Property) Choices() []any { return append([]any(nil), p.cfg.choices...) }

// VerboseName returns the human readable name of the property.
func (p *Property) VerboseName() string { return p.cfg.verboseName }

// Kind returns the sub-entity kind of a Structured or LocalStructured
// property, and nil otherwise.
func (p *Property) Kind() *Kind { return p.kind }

// Owner returns the Kind the property is bound to, if any.
func (p *Property) Owner() *Kind { return p.owner }

func (p *Property) String() string {
	args := []string{fmt.Sprintf("%q", p.name)}
	flag := func(on bool, name string) {
		if on {
			args = append(args, name)
		}
	}
	if p.kind != nil {
		args = append(args, "kind="+p.kind.name)
	}
	if p.cfg.indexed != p.typ.defaultIndexed() {
		args = append(args, fmt.Sprintf("indexed=%t", p.cfg.indexed))
	}
	flag(p.cfg.repeated, "repeated")
	flag(p.cfg.required, "required")
	flag(p.cfg.compressed, "compressed")
	if p.cfg.def != nil {
		args = append(args, fmt.Sprintf("default=%#v", p.cfg.def))
	}
	if len(p.cfg.choices) > 0 {
		args = append(args, fmt.Sprintf("choices=%v", p.cfg.choices))
	}
	return fmt.Sprintf("%sProperty(%s)", p.typ, strings.Join(args, ", "))
}

// fixUp binds the property to its kind under codeName.
func (p *Property) fixUp(owner *Kind, codeName string) {
	p.owner = owner
	p.codeName = codeName
	if p.name == "" {
		p.name = codeName
	}
}

// clone returns an unbound copy of the property with the given storage name.
func (p *Property) clone(name string) *Property {
	return &Property{
		typ:      p.typ,
		codeName: p.codeName,
		name:     name,
		cfg:      p.cfg,
		layers:   p.layers,
		kind:     p.kind,
		owner:    p.owner,
		problem:  p.problem,
	}
}

////////////////////////////////////////////////////////////////////////////////
// Pipeline.

// doValidate runs the validation pipeline on a single user value: the
// property's own validation, then the user validator, then choices.
func (p *Property) doValidate(v any) (any, error) {
	if _, ok := v.(baseValue); ok {
		return v, nil
	}
	v, err := p.shallowValidate(v)
	if err != nil {
		return nil, err
	}
	if p.cfg.validator != nil {
		nv, err := p.cfg.validator(p, v)
		if err != nil {
			return nil, err
		}
		if nv != nil {
			v = nv
		}
	}
	if len(p.cfg.choices) > 0 && !p.isChoice(v) {
		return nil, badValuef("value %#v for property %s is not an allowed choice", v, p.name)
	}
	return v, nil
}

func (p *Property) isChoice(v any) bool {
	for _, c := range p.cfg.choices {
		if valuesEqual(c, v) {
			return true
		}
	}
	return false
}

// shallowValidate runs the validate hooks of the layers up to and including
// the first layer that also converts to storage form.
func (p *Property) shallowValidate(v any) (any, error) {
	for _, l := range p.layers {
		if l.validate != nil {
			var err error
			if v, err = l.validate(p, v); err != nil {
				return nil, err
			}
		}
		if l.toBase != nil {
			break
		}
	}
	return v, nil
}

func (p *Property) callToBase(v any) (any, error) {
	var err error
	for _, l := range p.layers {
		if l.validate != nil {
			if v, err = l.validate(p, v); err != nil {
				return nil, err
			}
		}
		if l.toBase != nil {
			if v, err = l.toBase(p, v); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (p *Property) callFromBase(v any) (any, error) {
	var err error
	for i := len(p.layers) - 1; i >= 0; i-- {
		if fb := p.layers[i].fromBase; fb != nil {
			if v, err = fb(p, v); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// optToBase wraps a user value into storage form. Values already in storage
// form are returned unchanged.
func (p *Property) optToBase(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(baseValue); ok {
		return v, nil
	}
	b, err := p.callToBase(v)
	if err != nil || b == nil {
		return nil, err
	}
	return wrapBase(b), nil
}

// optFromBase unwraps a storage form value into user form. User values are
// returned unchanged.
func (p *Property) optFromBase(v any) (any, error) {
	if bv, ok := v.(baseValue); ok {
		return p.callFromBase(bv.v)
	}
	return v, nil
}

////////////////////////////////////////////////////////////////////////////////
// Value access.

func (p *Property) storeValue(e *Entity, v any) {
	e.values[p.name] = v
}

func (p *Property) retrieveValue(e *Entity) any {
	if v, ok := e.values[p.name]; ok {
		return v
	}
	return p.cfg.def
}

// hasValue reports whether the entity has a value for this property. For
// structured properties, rest names sub-properties that must have a value
// too.
func (p *Property) hasValue(e *Entity, rest []string) bool {
	if p.typ == TypeStructured {
		return p.structuredHasValue(e, rest)
	}
	_, ok := e.values[p.name]
	return ok
}

// applyToValues applies fn to the stored value (or each of the stored
// values, for a repeated property), storing back the result.
func (p *Property) applyToValues(e *Entity, fn func(any) (any, error)) (any, error) {
	v := p.retrieveValue(e)
	if p.cfg.repeated {
		list, _ := v.([]any)
		if list == nil {
			list = []any{}
			p.storeValue(e, list)
			return list, nil
		}
		out := make([]any, len(list))
		for i, x := range list {
			nx, err := fn(x)
			if err != nil {
				return nil, err
			}
			out[i] = nx
		}
		copy(list, out)
		return list, nil
	}
	if v == nil {
		return nil, nil
	}
	nv, err := fn(v)
	if err != nil {
		return nil, err
	}
	if _, wasBase := v.(baseValue); wasBase != isBase(nv) {
		p.storeValue(e, nv)
	}
	return nv, nil
}

func isBase(v any) bool {
	_, ok := v.(baseValue)
	return ok
}

func (p *Property) getUserValue(e *Entity) (any, error) {
	return p.applyToValues(e, p.optFromBase)
}

func (p *Property) getBaseValue(e *Entity) (any, error) {
	return p.applyToValues(e, p.optToBase)
}

// baseValuesAsList returns the unwrapped storage values as a list.
//
// A missing non-repeated value is returned as [nil]; a missing repeated one
// as [].
func (p *Property) baseValuesAsList(e *Entity) ([]any, error) {
	wrapped, err := p.getBaseValue(e)
	if err != nil {
		return nil, err
	}
	if p.cfg.repeated {
		list := wrapped.([]any)
		ret := make([]any, len(list))
		for i, w := range list {
			ret[i] = unwrap(w)
		}
		return ret, nil
	}
	return []any{unwrap(wrapped)}, nil
}

func unwrap(v any) any {
	if bv, ok := v.(baseValue); ok {
		return bv.v
	}
	return v
}

func (p *Property) checkProjected(e *Entity) error {
	if len(e.projection) > 0 && !e.inProjection(p.name) {
		return &UnprojectedPropertyError{p.name}
	}
	return nil
}

// SetValue validates v and stores it in the entity.
//
// For a repeated property v must be a slice or array; each element is
// validated independently. Nothing is stored if validation fails.
func (p *Property) SetValue(e *Entity, v any) error {
	if p.typ == TypeComputed {
		return &ReadOnlyPropertyError{Msg: "cannot assign to a ComputedProperty", Computed: true}
	}
	if len(e.projection) > 0 {
		return &ReadOnlyPropertyError{Msg: "you cannot set property values of a projection entity"}
	}
	if p.cfg.repeated {
		list, ok := asList(v)
		if !ok {
			return badValuef("expected list or tuple for property %s, got %#v", p.name, v)
		}
		for i, x := range list {
			var err error
			if list[i], err = p.doValidate(x); err != nil {
				return err
			}
		}
		p.storeValue(e, list)
		return nil
	}
	if v != nil {
		var err error
		if v, err = p.doValidate(v); err != nil {
			return err
		}
	}
	p.storeValue(e, v)
	return nil
}

// GetValue returns the user form of the entity's value for this property.
//
// Repeated properties return a (possibly empty) []any, never nil. Reading
// a property that is not part of a projection entity's projection fails
// with UnprojectedPropertyError.
func (p *Property) GetValue(e *Entity) (any, error) {
	switch p.typ {
	case TypeComputed:
		return p.computedValue(e)
	case TypeStructured:
		v, err := p.getUserValue(e)
		if err != nil || v != nil {
			return p.copyList(v), err
		}
		if err := p.checkProjected(e); err != nil {
			return nil, err
		}
		return p.copyList(v), nil
	}
	if err := p.checkProjected(e); err != nil {
		return nil, err
	}
	v, err := p.getUserValue(e)
	return p.copyList(v), err
}

func (p *Property) copyList(v any) any {
	if list, ok := v.([]any); ok {
		return append([]any{}, list...)
	}
	return v
}

// GetStorageValue returns the storage form of the entity's value for this
// property, caching the conversion in the entity.
func (p *Property) GetStorageValue(e *Entity) (any, error) {
	if p.cfg.repeated {
		return p.baseValuesAsList(e)
	}
	wrapped, err := p.getBaseValue(e)
	return unwrap(wrapped), err
}

// DeleteValue removes the entity's value for this property.
//
// Reading it afterwards returns nil (or [] for repeated properties).
func (p *Property) DeleteValue(e *Entity) error {
	if p.typ == TypeComputed {
		return &ReadOnlyPropertyError{Msg: "cannot delete a ComputedProperty", Computed: true}
	}
	if len(e.projection) > 0 {
		return &ReadOnlyPropertyError{Msg: "you cannot delete property values of a projection entity"}
	}
	delete(e.values, p.name)
	return nil
}

func (p *Property) isInitialized(e *Entity) (bool, error) {
	if !p.cfg.required {
		return true, nil
	}
	if !p.hasValue(e, nil) && p.cfg.def == nil {
		return false, nil
	}
	v, err := p.GetValue(e)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (p *Property) computedValue(e *Entity) (any, error) {
	if len(e.projection) > 0 && e.inProjection(p.name) {
		v, err := p.getUserValue(e)
		return p.copyList(v), err
	}
	v, err := p.cfg.compute(e)
	if err != nil {
		return nil, err
	}
	if p.cfg.repeated {
		list, ok := asList(v)
		switch {
		case v == nil:
			list = []any{}
		case !ok:
			return nil, badValuef("computed property %s: expected list or tuple, got %#v", p.name, v)
		}
		p.storeValue(e, list)
		return p.copyList(list), nil
	}
	p.storeValue(e, v)
	return v, nil
}
