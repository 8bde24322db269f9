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

// Package schema loads kind declarations from YAML files into a
// model.Registry.
//
// A schema file looks like this:
//
//	kinds:
//	- name: Address
//	  properties:
//	  - {name: street, type: String, required: true}
//	  - {name: city, type: String}
//	- name: Person
//	  expando: true
//	  properties:
//	  - {name: name, type: String, stored_name: n}
//	  - {name: tags, type: String, repeated: true}
//	  - {name: home, type: Structured, kind: Address}
//
// Kinds may reference each other in any order, as long as the references
// don't form a cycle.
package schema

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/model"
)

// File is the top-level structure of a schema file.
type File struct {
	Kinds []*KindDecl `yaml:"kinds"`
}

// KindDecl declares one kind.
type KindDecl struct {
	Name             string          `yaml:"name"`
	Expando          bool            `yaml:"expando"`
	DefaultUnindexed bool            `yaml:"default_unindexed"`
	WriteEmptyList   bool            `yaml:"write_empty_list"`
	Properties       []*PropertyDecl `yaml:"properties"`
}

// PropertyDecl declares one property of a kind.
type PropertyDecl struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	StoredName  string `yaml:"stored_name"`
	Indexed     *bool  `yaml:"indexed"`
	Repeated    bool   `yaml:"repeated"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Choices     []any  `yaml:"choices"`
	Compressed  bool   `yaml:"compressed"`
	AutoNow     bool   `yaml:"auto_now"`
	AutoNowAdd  bool   `yaml:"auto_now_add"`
	Kind        string `yaml:"kind"`
	KeyKind     string `yaml:"key_kind"`
	KeepKeys    bool   `yaml:"keep_keys"`
	VerboseName string `yaml:"verbose_name"`

	WriteEmptyList bool `yaml:"write_empty_list"`
}

// Parse parses a schema file.
func Parse(r io.Reader) (*File, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f := &File{}
	if err := yaml.UnmarshalStrict(blob, f); err != nil {
		return nil, errors.Annotate(err, "parsing schema").Err()
	}
	return f, nil
}

// LoadFile parses the schema file at path and defines its kinds in r.
func LoadFile(r *model.Registry, path string) ([]*model.Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	decl, err := Parse(f)
	if err != nil {
		return nil, errors.Annotate(err, "%s", path).Err()
	}
	return decl.Define(r)
}

// Define defines all declared kinds in r, referenced kinds first.
//
// Returns the kinds in the order they were defined. Kinds already defined
// before the first failure stay defined.
func (f *File) Define(r *model.Registry) ([]*model.Kind, error) {
	order, err := f.order()
	if err != nil {
		return nil, err
	}
	defined := make(map[string]*model.Kind, len(order))
	ret := make([]*model.Kind, 0, len(order))
	for _, kd := range order {
		k, err := kd.define(r, defined)
		if err != nil {
			return ret, errors.Annotate(err, "kind %s", kd.Name).Err()
		}
		defined[kd.Name] = k
		ret = append(ret, k)
	}
	return ret, nil
}

// order sorts the declarations so every kind comes after the kinds its
// structured properties reference. Ties keep the file order.
func (f *File) order() ([]*KindDecl, error) {
	byName := make(map[string]*KindDecl, len(f.Kinds))
	for _, kd := range f.Kinds {
		if byName[kd.Name] != nil {
			return nil, errors.Reason("kind %s is declared twice", kd.Name).Err()
		}
		byName[kd.Name] = kd
	}

	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var ret []*KindDecl
	var visit func(kd *KindDecl, path []string) error
	visit = func(kd *KindDecl, path []string) error {
		switch state[kd.Name] {
		case done:
			return nil
		case visiting:
			return errors.Reason("kinds reference each other: %v", append(path, kd.Name)).Err()
		}
		state[kd.Name] = visiting
		for _, dep := range kd.deps() {
			if d := byName[dep]; d != nil {
				if err := visit(d, append(path, kd.Name)); err != nil {
					return err
				}
			}
		}
		state[kd.Name] = done
		ret = append(ret, kd)
		return nil
	}
	for _, kd := range f.Kinds {
		if err := visit(kd, nil); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (kd *KindDecl) deps() []string {
	var ret []string
	for _, pd := range kd.Properties {
		if pd.Kind != "" {
			ret = append(ret, pd.Kind)
		}
	}
	sort.Strings(ret)
	return ret
}

func (kd *KindDecl) define(r *model.Registry, defined map[string]*model.Kind) (*model.Kind, error) {
	props := make([]*model.Property, 0, len(kd.Properties))
	for _, pd := range kd.Properties {
		p, err := pd.property(r, defined)
		if err != nil {
			return nil, errors.Annotate(err, "property %s", pd.Name).Err()
		}
		props = append(props, p)
	}
	return r.DefineWith(kd.Name, model.KindOptions{
		Expando:          kd.Expando,
		DefaultUnindexed: kd.DefaultUnindexed,
		WriteEmptyList:   kd.WriteEmptyList,
	}, props...)
}

func (pd *PropertyDecl) property(r *model.Registry, defined map[string]*model.Kind) (*model.Property, error) {
	typ, ok := ParseType(pd.Type)
	if !ok || typ == model.TypeComputed {
		return nil, errors.Reason("unsupported property type %q", pd.Type).Err()
	}

	var kind *model.Kind
	if pd.Kind != "" {
		if kind = defined[pd.Kind]; kind == nil {
			var err error
			if kind, err = r.Lookup(pd.Kind); err != nil {
				return nil, err
			}
		}
	}

	var opts []model.Option
	if pd.StoredName != "" {
		opts = append(opts, model.Name(pd.StoredName))
	}
	if pd.Indexed != nil {
		opts = append(opts, model.Indexed(*pd.Indexed))
	}
	if pd.Repeated {
		opts = append(opts, model.Repeated())
	}
	if pd.Required {
		opts = append(opts, model.Required())
	}
	if pd.Compressed {
		opts = append(opts, model.Compressed())
	}
	if pd.AutoNow {
		opts = append(opts, model.AutoNow())
	}
	if pd.AutoNowAdd {
		opts = append(opts, model.AutoNowAdd())
	}
	if pd.KeyKind != "" {
		opts = append(opts, model.KeyKind(pd.KeyKind))
	}
	if pd.KeepKeys {
		opts = append(opts, model.KeepKeys())
	}
	if pd.VerboseName != "" {
		opts = append(opts, model.VerboseName(pd.VerboseName))
	}
	if pd.WriteEmptyList {
		opts = append(opts, model.WriteEmptyList())
	}
	if pd.Default != nil {
		v, err := convert(typ, kind, normalize(pd.Default))
		if err != nil {
			return nil, errors.Annotate(err, "default").Err()
		}
		opts = append(opts, model.Default(v))
	}
	if len(pd.Choices) > 0 {
		choices := make([]any, len(pd.Choices))
		for i, c := range pd.Choices {
			var err error
			if choices[i], err = convert(typ, kind, normalize(c)); err != nil {
				return nil, errors.Annotate(err, "choice %d", i).Err()
			}
		}
		opts = append(opts, model.Choices(choices...))
	}

	switch typ {
	case model.TypeStructured, model.TypeLocalStructured:
		if kind == nil {
			return nil, errors.Reason("%s property requires a kind", typ).Err()
		}
		if typ == model.TypeStructured {
			return model.Structured(pd.Name, kind, opts...), nil
		}
		return model.LocalStructured(pd.Name, kind, opts...), nil
	}
	if kind != nil {
		return nil, errors.Reason("only structured properties reference a kind, not %s", typ).Err()
	}
	return constructors[typ](pd.Name, opts...), nil
}

var constructors = map[model.Type]func(string, ...model.Option) *model.Property{
	model.TypeGeneric:  model.Generic,
	model.TypeBoolean:  model.Boolean,
	model.TypeInteger:  model.Integer,
	model.TypeFloat:    model.Float,
	model.TypeBlob:     model.Blob,
	model.TypeText:     model.Text,
	model.TypeString:   model.String,
	model.TypeDateTime: model.DateTime,
	model.TypeDate:     model.Date,
	model.TypeTime:     model.Time,
	model.TypeKey:      model.Key,
	model.TypeGeoPt:    model.GeoPt,
	model.TypeJSON:     model.JSON,
	model.TypeMsgpack:  model.Msgpack,
}

// ParseType returns the property type with the given name, as printed by
// model.Type.String.
func ParseType(name string) (model.Type, bool) {
	for t := model.TypeGeneric; t <= model.TypeComputed; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

// normalize converts the map[any]any values yaml.v2 produces into
// map[string]any.
func normalize(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case []any:
		l := make([]any, len(x))
		for i, v := range x {
			l[i] = normalize(v)
		}
		return l
	}
	return v
}
