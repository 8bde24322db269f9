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

package key

import (
	"encoding/base64"
	"strings"

	"cloud.google.com/go/datastore"
	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/luci/common/errors"
)

// ToPB converts the key into its Cloud Datastore v1 representation.
func (k *Key) ToPB() *datastorepb.Key {
	if k == nil {
		return nil
	}
	ret := &datastorepb.Key{
		PartitionId: &datastorepb.PartitionId{
			ProjectId:   k.appID,
			NamespaceId: k.namespace,
		},
		Path: make([]*datastorepb.Key_PathElement, len(k.path)),
	}
	for i, el := range k.path {
		pe := &datastorepb.Key_PathElement{Kind: el.Kind}
		switch {
		case el.StringID != "":
			pe.IdType = &datastorepb.Key_PathElement_Name{Name: el.StringID}
		case el.IntID != 0:
			pe.IdType = &datastorepb.Key_PathElement_Id{Id: el.IntID}
		}
		ret.Path[i] = pe
	}
	return ret
}

// FromPB converts a Cloud Datastore v1 key. It returns an error if the key
// has an empty path.
func FromPB(pb *datastorepb.Key) (*Key, error) {
	if len(pb.GetPath()) == 0 {
		return nil, errors.New("key: empty key path")
	}
	ret := &Key{
		appID:     pb.GetPartitionId().GetProjectId(),
		namespace: pb.GetPartitionId().GetNamespaceId(),
		path:      make([]Element, len(pb.Path)),
	}
	for i, pe := range pb.Path {
		ret.path[i] = Element{
			Kind:     pe.GetKind(),
			StringID: pe.GetName(),
			IntID:    pe.GetId(),
		}
	}
	return ret, nil
}

// Encode encodes the key as a web-safe base64 string without padding, the
// same shape as the "urlsafe" key form.
func (k *Key) Encode() string {
	blob, err := proto.MarshalOptions{Deterministic: true}.Marshal(k.ToPB())
	if err != nil {
		panic(err) // only possible with invalid UTF-8, which ToPB doesn't produce
	}
	return base64.RawURLEncoding.EncodeToString(blob)
}

// Decode decodes a key produced by Encode. Padding is optional.
func Decode(encoded string) (*Key, error) {
	blob, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, errors.Annotate(err, "key: bad base64").Err()
	}
	pb := &datastorepb.Key{}
	if err := proto.Unmarshal(blob, pb); err != nil {
		return nil, errors.Annotate(err, "key: bad key proto").Err()
	}
	ret, err := FromPB(pb)
	if err != nil {
		return nil, err
	}
	if !ret.Valid(true) {
		return nil, errors.Reason("key: decoded key %s is invalid", ret).Err()
	}
	return ret, nil
}

// Cloud converts the key into a cloud.google.com/go/datastore Key.
//
// The app id isn't represented in the cloud key and is dropped.
func (k *Key) Cloud() *datastore.Key {
	if k == nil {
		return nil
	}
	var ret *datastore.Key
	for _, el := range k.path {
		ret = &datastore.Key{
			Kind:      el.Kind,
			ID:        el.IntID,
			Name:      el.StringID,
			Parent:    ret,
			Namespace: k.namespace,
		}
	}
	return ret
}

// FromCloud converts a cloud.google.com/go/datastore Key, assigning it the
// given app id.
func FromCloud(appID string, ck *datastore.Key) *Key {
	if ck == nil {
		return nil
	}
	depth := 0
	for cur := ck; cur != nil; cur = cur.Parent {
		depth++
	}
	path := make([]Element, depth)
	for cur := ck; cur != nil; cur = cur.Parent {
		depth--
		path[depth] = Element{Kind: cur.Kind, StringID: cur.Name, IntID: cur.ID}
	}
	return &Key{appID, ck.Namespace, path}
}
