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
	"time"

	"cloud.google.com/go/civil"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
	"go.chromium.org/ndb/record"
)

var (
	typeOfKey       = reflect.TypeOf((*key.Key)(nil))
	typeOfTime      = reflect.TypeOf(time.Time{})
	typeOfDate      = reflect.TypeOf(civil.Date{})
	typeOfCivilTime = reflect.TypeOf(civil.Time{})
	typeOfGeoPoint  = reflect.TypeOf(record.GeoPoint{})
	typeOfBytes     = reflect.TypeOf([]byte(nil))

	errRecursiveStruct = errors.New("ndb: recursive struct")
)

type fieldCodec struct {
	index   int
	name    string
	meta    string // "key" or "kind" for meta fields
	metaVal string
	isSlice bool
	sub     *structCodec
}

type structCodec struct {
	t       reflect.Type
	kind    *Kind
	fields  []fieldCodec
	problem error
}

// DefineStruct defines a kind from a Go struct type.
//
// Every exported field becomes a property named after the field, unless
// its `ndb:"name,opts"` tag says otherwise. A name of "-" skips the field.
// Options are:
//
//	noindex       the property is unindexed
//	required      the property is required
//	compressed    a []byte or string field is compressed
//	text          a string field is an unlimited unindexed Text property
//	json          the field is stored as a JSON blob
//	msgpack       the field is stored as a msgpack blob
//	lsp           a struct field is stored as a LocalStructured blob
//	auto_now      a time field is set on PrepareForPut
//	auto_now_add  a time field is set on PrepareForPut if unset
//
// A `ndb:"$kind,Name"` field overrides the kind name, which defaults to the
// struct type name. A *key.Key field tagged `ndb:"$key"` holds the entity
// key. Nested struct fields (and slices of them) become Structured
// properties of kinds defined from their types.
func DefineStruct(r *Registry, sample any) (*Kind, error) {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if !isStruct(t) {
		return nil, badArgf("DefineStruct expects a struct, got %T", sample)
	}
	r.codecsM.Lock()
	defer r.codecsM.Unlock()
	c := r.structCodecLocked(t)
	if c.problem != nil {
		return nil, c.problem
	}
	return c.kind, nil
}

func isStruct(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.Struct && t != typeOfTime && t != typeOfDate && t != typeOfCivilTime && t != typeOfGeoPoint
}

func (r *Registry) structCodecLocked(t reflect.Type) (c *structCodec) {
	if c, ok := r.codecs[t]; ok {
		return c
	}
	if r.codecs == nil {
		r.codecs = map[reflect.Type]*structCodec{}
	}
	c = &structCodec{t: t, problem: errRecursiveStruct}
	r.codecs[t] = c

	me := func(format string, args ...any) *structCodec {
		c.problem = errors.Reason("ndb: %s: "+format, append([]any{t}, args...)...).Err()
		return c
	}

	kindName := t.Name()
	var props []*Property
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("ndb")
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}

		if strings.HasPrefix(name, "$") {
			fc := fieldCodec{index: i, name: name, meta: name[1:], metaVal: opts}
			switch {
			case fc.meta == "kind" && f.Type.Kind() == reflect.String:
				if opts != "" {
					kindName = opts
				}
			case fc.meta == "key" && f.Type == typeOfKey:
			default:
				return me("unsupported meta field %q of type %s", name, f.Type)
			}
			c.fields = append(c.fields, fc)
			continue
		}
		if f.PkgPath != "" || name == "-" {
			continue
		}

		fc := fieldCodec{index: i, name: name}
		p, err := r.fieldProperty(f, &fc, name, stringsSet(opts))
		if err != nil {
			return me("field %q: %s", f.Name, err)
		}
		c.fields = append(c.fields, fc)
		props = append(props, p)
	}

	k, err := r.DefineWith(kindName, KindOptions{}, props...)
	if err != nil {
		c.problem = err
		return c
	}
	c.kind = k
	c.problem = nil
	return c
}

func stringsSet(opts string) map[string]bool {
	ret := map[string]bool{}
	for _, o := range strings.Split(opts, ",") {
		if o != "" {
			ret[o] = true
		}
	}
	return ret
}

// fieldProperty builds the property for a struct field.
func (r *Registry) fieldProperty(f reflect.StructField, fc *fieldCodec, name string, opts map[string]bool) (*Property, error) {
	var po []Option
	if opts["noindex"] {
		po = append(po, Indexed(false))
	}
	if opts["required"] {
		po = append(po, Required())
	}
	if opts["compressed"] {
		po = append(po, Compressed())
	}
	if opts["auto_now"] {
		po = append(po, AutoNow())
	}
	if opts["auto_now_add"] {
		po = append(po, AutoNowAdd())
	}

	ft := f.Type
	switch {
	case opts["json"]:
		return JSON(name, append(po, DecodeAs(reflect.Zero(ft).Interface()))...), nil
	case opts["msgpack"]:
		return Msgpack(name, append(po, DecodeAs(reflect.Zero(ft).Interface()))...), nil
	}

	if ft.Kind() == reflect.Slice && ft != typeOfBytes {
		fc.isSlice = true
		ft = ft.Elem()
		po = append(po, Repeated())
	}

	if isStruct(ft) {
		sub := r.structCodecLocked(ft)
		if sub.problem != nil {
			return nil, sub.problem
		}
		fc.sub = sub
		if opts["lsp"] {
			return LocalStructured(name, sub.kind, po...), nil
		}
		return Structured(name, sub.kind, po...), nil
	}

	switch ft {
	case typeOfBytes:
		return Blob(name, po...), nil
	case typeOfTime:
		return DateTime(name, po...), nil
	case typeOfDate:
		return Date(name, po...), nil
	case typeOfCivilTime:
		return Time(name, po...), nil
	case typeOfKey:
		return Key(name, po...), nil
	case typeOfGeoPoint:
		return GeoPt(name, po...), nil
	}

	switch ft.Kind() {
	case reflect.Bool:
		return Boolean(name, po...), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return Integer(name, po...), nil
	case reflect.Float32, reflect.Float64:
		return Float(name, po...), nil
	case reflect.String:
		if opts["text"] {
			return Text(name, po...), nil
		}
		return String(name, po...), nil
	}
	return nil, errors.Reason("unsupported type %s", ft).Err()
}

func (r *Registry) codecFor(v reflect.Value) (*structCodec, error) {
	r.codecsM.Lock()
	defer r.codecsM.Unlock()
	c, ok := r.codecs[v.Type()]
	if !ok {
		return nil, badArgf("type %s was not defined with DefineStruct", v.Type())
	}
	return c, c.problem
}

func structValue(src any) (reflect.Value, error) {
	v := reflect.ValueOf(src)
	if v.Kind() == reflect.Ptr && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, badArgf("expected a struct or a pointer to one, got %T", src)
	}
	return v, nil
}

// FromStruct creates an entity from a struct of the type the kind was
// defined from with DefineStruct.
func (k *Kind) FromStruct(src any) (*Entity, error) {
	v, err := structValue(src)
	if err != nil {
		return nil, err
	}
	c, err := k.registry.codecFor(v)
	if err != nil {
		return nil, err
	}
	if c.kind != k {
		return nil, &KindError{fmt.Sprintf("%s is the struct of kind %s, not %s", v.Type(), c.kind.name, k.name)}
	}
	return c.toEntity(v)
}

func (c *structCodec) toEntity(v reflect.Value) (*Entity, error) {
	e := c.kind.newEntity()
	values := map[string]any{}
	for _, fc := range c.fields {
		fv := v.Field(fc.index)
		switch {
		case fc.meta == "key":
			if err := e.SetKey(fv.Interface().(*key.Key)); err != nil {
				return nil, err
			}
			continue
		case fc.meta != "":
			continue
		}
		val, err := fc.toValue(fv)
		if err != nil {
			return nil, errors.Annotate(err, "field %s", fc.name).Err()
		}
		values[fc.name] = val
	}
	if err := e.Populate(values); err != nil {
		return nil, err
	}
	return e, nil
}

func (fc *fieldCodec) toValue(fv reflect.Value) (any, error) {
	if fc.sub == nil {
		switch {
		case fc.isSlice:
			return asListValue(fv), nil
		case fv.Kind() == reflect.Ptr && fv.IsNil():
			return nil, nil
		}
		return fv.Interface(), nil
	}
	if !fc.isSlice {
		return fc.sub.toEntity(fv)
	}
	ret := make([]any, fv.Len())
	for i := range ret {
		var err error
		if ret[i], err = fc.sub.toEntity(fv.Index(i)); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func asListValue(fv reflect.Value) []any {
	ret := make([]any, fv.Len())
	for i := range ret {
		ret[i] = fv.Index(i).Interface()
	}
	return ret
}

// ToStruct loads the entity into dst, a pointer to a struct of the type its
// kind was defined from.
//
// Values that can't be loaded are reported as *ErrFieldMismatch in an
// errors.MultiError; all the other fields are still loaded.
func (e *Entity) ToStruct(dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return badArgf("ToStruct expects a non-nil pointer to a struct, got %T", dst)
	}
	v = v.Elem()
	c, err := e.kind.registry.codecFor(v)
	if err != nil {
		return err
	}
	if c.kind != e.kind {
		return &KindError{fmt.Sprintf("cannot load an entity of kind %s into %s", e.kind.name, v.Type())}
	}
	return c.load(e, v)
}

func (c *structCodec) load(e *Entity, v reflect.Value) error {
	var merr errors.MultiError
	mismatch := func(name, reason string) {
		merr = append(merr, &ErrFieldMismatch{StructType: c.t, FieldName: name, Reason: reason})
	}

	for _, fc := range c.fields {
		fv := v.Field(fc.index)
		switch fc.meta {
		case "key":
			fv.Set(reflect.ValueOf(e.key))
			continue
		case "kind":
			fv.SetString(e.kind.name)
			continue
		}
		p := e.kind.byCode[fc.name]
		val, err := p.GetValue(e)
		if err != nil {
			if _, ok := err.(*UnprojectedPropertyError); ok {
				continue
			}
			merr = append(merr, errors.Annotate(err, "field %s", fc.name).Err())
			continue
		}
		if reason := fc.set(fv, val); reason != "" {
			mismatch(fc.name, reason)
		}
	}

	for _, p := range e.sortedProps() {
		if e.isDynamic(p) {
			mismatch(p.name, "no such struct field")
		}
	}

	if len(merr) > 0 {
		return merr
	}
	return nil
}

// set stores val into fv, returning a mismatch reason on failure.
func (fc *fieldCodec) set(fv reflect.Value, val any) string {
	if !fc.isSlice {
		return fc.setElem(fv, val)
	}
	list, _ := val.([]any)
	s := reflect.MakeSlice(fv.Type(), len(list), len(list))
	for i, it := range list {
		if reason := fc.setElem(s.Index(i), it); reason != "" {
			return reason
		}
	}
	if len(list) == 0 {
		s = reflect.Zero(fv.Type())
	}
	fv.Set(s)
	return ""
}

func (fc *fieldCodec) setElem(fv reflect.Value, val any) string {
	if val == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return ""
	}
	if fc.sub != nil {
		se, ok := val.(*Entity)
		if !ok {
			return typeMismatchReason(val, fv)
		}
		if err := fc.sub.load(se, fv); err != nil {
			return err.Error()
		}
		return ""
	}
	rv := reflect.ValueOf(val)
	switch {
	case rv.Type().AssignableTo(fv.Type()):
		fv.Set(rv)
	case rv.Kind() == reflect.Int64 && isIntKind(fv.Kind()):
		if fv.OverflowInt(rv.Int()) {
			return fmt.Sprintf("value %d overflows struct field of type %s", rv.Int(), fv.Type())
		}
		fv.SetInt(rv.Int())
	case rv.Kind() == reflect.Int64 && isUintKind(fv.Kind()):
		if rv.Int() < 0 || fv.OverflowUint(uint64(rv.Int())) {
			return fmt.Sprintf("value %d overflows struct field of type %s", rv.Int(), fv.Type())
		}
		fv.SetUint(uint64(rv.Int()))
	case rv.Kind() == reflect.Float64 && fv.Kind() == reflect.Float32:
		if fv.OverflowFloat(rv.Float()) {
			return fmt.Sprintf("value %v overflows struct field of type %s", rv.Float(), fv.Type())
		}
		fv.SetFloat(rv.Float())
	default:
		return typeMismatchReason(val, fv)
	}
	return ""
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return true
	}
	return false
}

// typeMismatchReason explains why val could not be stored in a field of
// type v.Type().
func typeMismatchReason(val any, v reflect.Value) string {
	return fmt.Sprintf("type mismatch: %T versus %v", val, v.Type())
}
