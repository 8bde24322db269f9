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

// Package key implements the entity identity used by ndb: an immutable
// chain of (kind, id) pairs describing an entity's ancestry, together with
// the app and namespace it lives in.
package key

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Element is a single (kind, id) pair in a Key path.
//
// At most one of StringID and IntID is set. An Element with neither is
// incomplete; only the last Element of a Key may be incomplete.
type Element struct {
	Kind     string
	StringID string
	IntID    int64
}

// Incomplete returns true iff this element has no id.
func (e Element) Incomplete() bool {
	return e.StringID == "" && e.IntID == 0
}

// ID returns the id of the element, either a string or an int64. Returns nil
// for an incomplete element.
func (e Element) ID() any {
	switch {
	case e.StringID != "":
		return e.StringID
	case e.IntID != 0:
		return e.IntID
	}
	return nil
}

// Key is the identity of an entity.
//
// Keys are immutable. A nil *Key is a valid "no key" value for most
// methods.
type Key struct {
	appID     string
	namespace string
	path      []Element
}

// New constructs a Key for the given kind and id, appended to parent's path.
//
// If parent is not nil, its app and namespace are used instead of appID and
// namespace.
func New(appID, namespace, kind, stringID string, intID int64, parent *Key) *Key {
	if parent == nil {
		return &Key{appID, namespace, []Element{{kind, stringID, intID}}}
	}
	path := make([]Element, len(parent.path), len(parent.path)+1)
	copy(path, parent.path)
	path = append(path, Element{kind, stringID, intID})
	return &Key{parent.appID, parent.namespace, path}
}

// NewFromPath constructs a Key from a full path. The path is copied.
func NewFromPath(appID, namespace string, path []Element) *Key {
	return &Key{appID, namespace, append([]Element(nil), path...)}
}

// Make constructs a Key from alternating kind and id arguments.
//
// Each id may be a string, any integer type, or nil (incomplete; only
// allowed for the last pair).
//
//	key.Make("app", "", "Parent", 1, "Child", "name")
func Make(appID, namespace string, elems ...any) (*Key, error) {
	if len(elems) == 0 || len(elems)%2 != 0 {
		return nil, errors.Reason("key: Make requires a non-empty, even number of path arguments, got %d", len(elems)).Err()
	}
	path := make([]Element, 0, len(elems)/2)
	for i := 0; i < len(elems); i += 2 {
		kind, ok := elems[i].(string)
		if !ok {
			return nil, errors.Reason("key: kind at position %d must be a string, got %T", i, elems[i]).Err()
		}
		el := Element{Kind: kind}
		switch id := elems[i+1].(type) {
		case nil:
		case string:
			el.StringID = id
		case int:
			el.IntID = int64(id)
		case int32:
			el.IntID = int64(id)
		case int64:
			el.IntID = id
		case uint32:
			el.IntID = int64(id)
		default:
			return nil, errors.Reason("key: id at position %d must be a string or an integer, got %T", i+1, id).Err()
		}
		path = append(path, el)
	}
	return &Key{appID, namespace, path}, nil
}

// AppID returns the app this key belongs to.
func (k *Key) AppID() string { return k.appID }

// Namespace returns the namespace this key belongs to.
func (k *Key) Namespace() string { return k.namespace }

// Path returns a copy of the key's full path, root first.
func (k *Key) Path() []Element { return append([]Element(nil), k.path...) }

// LastTok returns the last element of the path.
func (k *Key) LastTok() Element { return k.path[len(k.path)-1] }

// Kind returns the kind of the entity this key identifies.
func (k *Key) Kind() string { return k.LastTok().Kind }

// StringID returns the string id of the last path element, if any.
func (k *Key) StringID() string { return k.LastTok().StringID }

// IntID returns the int id of the last path element, if any.
func (k *Key) IntID() int64 { return k.LastTok().IntID }

// ID returns the id of the last element; see Element.ID.
func (k *Key) ID() any { return k.LastTok().ID() }

// IsIncomplete returns true iff the last path element has no id.
//
// Incomplete keys can't be used to reference other entities.
func (k *Key) IsIncomplete() bool { return k.LastTok().Incomplete() }

// Parent returns the parent key, or nil for a root key.
func (k *Key) Parent() *Key {
	if len(k.path) <= 1 {
		return nil
	}
	return &Key{k.appID, k.namespace, k.path[:len(k.path)-1]}
}

// Root returns the root-most ancestor of this key.
func (k *Key) Root() *Key {
	if len(k.path) <= 1 {
		return k
	}
	return &Key{k.appID, k.namespace, k.path[:1]}
}

// Valid determines if a key is well formed.
//
// Every element must have a kind, at most one kind of id and a non-negative
// int id. All elements except the last must be complete. If allowIncomplete
// is false, the last one must be complete too.
func (k *Key) Valid(allowIncomplete bool) bool {
	if k == nil || len(k.path) == 0 {
		return false
	}
	for i, el := range k.path {
		if el.Kind == "" || el.IntID < 0 || (el.StringID != "" && el.IntID != 0) {
			return false
		}
		if el.Incomplete() && (i != len(k.path)-1 || !allowIncomplete) {
			return false
		}
	}
	return true
}

// Equal returns true iff the two keys represent identical key values.
// Two nil keys are equal.
func (k *Key) Equal(other *Key) bool {
	switch {
	case k == nil || other == nil:
		return k == other
	case k.appID != other.appID, k.namespace != other.namespace, len(k.path) != len(other.path):
		return false
	}
	for i, el := range k.path {
		if el != other.path[i] {
			return false
		}
	}
	return true
}

// HasAncestor returns true iff other is an ancestor of k (or k itself).
func (k *Key) HasAncestor(other *Key) bool {
	if k == nil || other == nil || len(other.path) > len(k.path) {
		return false
	}
	return (&Key{k.appID, k.namespace, k.path[:len(other.path)]}).Equal(other)
}

// String returns a human-readable representation of the key in the form of
//
//	AID:NS:/Kind,id/Kind,id/...
func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}
	b := bytes.NewBuffer(make([]byte, 0, 512))
	fmt.Fprintf(b, "%s:%s:", k.appID, k.namespace)
	for _, el := range k.path {
		b.WriteByte('/')
		b.WriteString(el.Kind)
		b.WriteByte(',')
		switch {
		case el.StringID != "":
			b.WriteString(strconv.Quote(el.StringID))
		case el.IntID != 0:
			b.WriteString(strconv.FormatInt(el.IntID, 10))
		default:
			b.WriteString("?")
		}
	}
	return b.String()
}

// GoString implements fmt.GoStringer.
func (k *Key) GoString() string {
	if k == nil {
		return "(*key.Key)(nil)"
	}
	parts := make([]string, 0, len(k.path)*2)
	for _, el := range k.path {
		parts = append(parts, strconv.Quote(el.Kind))
		switch id := el.ID().(type) {
		case string:
			parts = append(parts, strconv.Quote(id))
		case int64:
			parts = append(parts, strconv.FormatInt(id, 10))
		default:
			parts = append(parts, "nil")
		}
	}
	return fmt.Sprintf("key.Make(%q, %q, %s)", k.appID, k.namespace, strings.Join(parts, ", "))
}
