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
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.chromium.org/ndb/record"
)

// ExpandoKindName is the name of the built-in generic expando kind.
const ExpandoKindName = "Expando"

// KindOptions customizes a kind defined with Registry.DefineWith.
type KindOptions struct {
	// Expando makes entities accept properties not declared by the kind.
	Expando bool
	// DefaultUnindexed makes dynamic properties unindexed.
	DefaultUnindexed bool
	// WriteEmptyList makes repeated dynamic properties write empty lists.
	WriteEmptyList bool
}

// Registry maps kind names to kinds.
//
// It's safe for concurrent use. Kinds and entities are bound to the
// registry they were defined in.
type Registry struct {
	m       sync.RWMutex
	kinds   map[string]*Kind
	expando *Kind

	codecsM sync.Mutex
	codecs  map[reflect.Type]*structCodec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{kinds: map[string]*Kind{}}
	r.expando = &Kind{
		name:           ExpandoKindName,
		registry:       r,
		expando:        true,
		generic:        true,
		defaultIndexed: true,
	}
	r.expando.bind(nil)
	return r
}

// Expando returns the generic expando kind. Its entities accept keys of
// any kind and it's not part of the kind map.
func (r *Registry) Expando() *Kind { return r.expando }

// Define defines a new kind with the given properties.
func (r *Registry) Define(name string, props ...*Property) (*Kind, error) {
	return r.DefineWith(name, KindOptions{}, props...)
}

// DefineWith defines a new kind with the given options and properties.
//
// The properties are bound to the new kind and can't be reused. Defining a
// kind whose name is already taken fails with KindError.
func (r *Registry) DefineWith(name string, opts KindOptions, props ...*Property) (*Kind, error) {
	if err := checkKindName(name); err != nil {
		return nil, err
	}
	if err := checkDefinition(r, props); err != nil {
		return nil, err
	}

	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.kinds[name]; ok {
		return nil, &KindError{"kind " + name + " is already defined"}
	}
	k := &Kind{
		name:           name,
		registry:       r,
		expando:        opts.Expando,
		defaultIndexed: !opts.DefaultUnindexed,
		writeEmptyList: opts.WriteEmptyList,
	}
	k.bind(props)
	r.kinds[name] = k
	return k, nil
}

func checkKindName(name string) error {
	if name == "" {
		return &KindError{"kind name must be non-empty"}
	}
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return &KindError{"kind name must be an ASCII string, got " + name}
		}
	}
	return nil
}

// Lookup returns the kind with the given name.
func (r *Registry) Lookup(name string) (*Kind, error) {
	r.m.RLock()
	defer r.m.RUnlock()
	if k, ok := r.kinds[name]; ok {
		return k, nil
	}
	return nil, &KindError{"no model class found for kind " + name + ". Did you forget to define it?"}
}

func (r *Registry) lookupOrExpando(name string) *Kind {
	if k, err := r.Lookup(name); err == nil {
		return k
	}
	return r.expando
}

// Kinds returns the sorted names of all defined kinds.
func (r *Registry) Kinds() []string {
	r.m.RLock()
	defer r.m.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset forgets all kinds except the reserved __x__ ones.
func (r *Registry) Reset() {
	r.m.Lock()
	defer r.m.Unlock()
	for n := range r.kinds {
		if !(strings.HasPrefix(n, "__") && strings.HasSuffix(n, "__")) {
			delete(r.kinds, n)
		}
	}
}

// FromRecord decodes a record whose key names a defined kind.
func (r *Registry) FromRecord(ctx context.Context, rec *record.Record) (*Entity, error) {
	if rec.Key == nil {
		return nil, badArgf("record without a key")
	}
	k, err := r.Lookup(rec.Key.Kind())
	if err != nil {
		return nil, err
	}
	return k.FromRecord(ctx, rec)
}

// decodeEmbedded decodes an entity blob stored in an untyped property.
func (r *Registry) decodeEmbedded(blob []byte) (*Entity, error) {
	rec, err := record.Unmarshal(blob)
	if err != nil {
		return nil, err
	}
	k := r.expando
	if rec.Key != nil {
		k = r.lookupOrExpando(rec.Key.Kind())
	}
	return k.FromRecord(context.Background(), rec)
}
