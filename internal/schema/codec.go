package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// variants maps each collection to a constructor for its record type.
var variants = map[Collection]func() Entity{
	Company:     func() Entity { return &CompanyRecord{} },
	User:        func() Entity { return &UserRecord{} },
	Project:     func() Entity { return &ProjectRecord{} },
	Location:    func() Entity { return &LocationRecord{} },
	AnchorPoint: func() Entity { return &AnchorPointRecord{} },
	AnchorTest:  func() Entity { return &AnchorTestRecord{} },
	FileBlob:    func() Entity { return &FileBlobRecord{} },
}

// indexes lists the secondary indexes of each collection by field name.
var indexes = map[Collection][]string{
	Location:    {"projectId"},
	AnchorPoint: {"projectId"},
	AnchorTest:  {"pointId"},
	FileBlob:    {"uploaded"},
}

// Collections returns every store collection in a stable order.
func Collections() []Collection {
	out := make([]Collection, 0, len(variants))
	for c := range variants {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether c names a store collection.
func Known(c Collection) bool {
	_, ok := variants[c]
	return ok
}

// IsSyncable reports whether records of c may be queued and pushed.
func IsSyncable(c Collection) bool {
	ctor, ok := variants[c]
	if !ok {
		return false
	}
	_, ok = ctor().(Syncable)
	return ok
}

// AllowList returns the collections whose variants implement Syncable.
func AllowList() []Collection {
	var out []Collection
	for _, c := range Collections() {
		if IsSyncable(c) {
			out = append(out, c)
		}
	}
	return out
}

// New returns an empty record for c.
func New(c Collection) (Entity, error) {
	ctor, ok := variants[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return ctor(), nil
}

// Decode unmarshals data into the record type of c.
func Decode(c Collection, data []byte) (Entity, error) {
	e, err := New(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", c, err)
	}
	return e, nil
}

// DecodeSyncable is Decode restricted to allow-listed collections.
func DecodeSyncable(c Collection, data []byte) (Syncable, error) {
	e, err := Decode(c, data)
	if err != nil {
		return nil, err
	}
	s, ok := e.(Syncable)
	if !ok {
		return nil, fmt.Errorf("collection %q is not syncable", c)
	}
	return s, nil
}

// Encode marshals a record.
func Encode(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", e.Collection(), err)
	}
	return data, nil
}

// Clone returns a deep copy of e through its JSON form.
func Clone(e Entity) (Entity, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return Decode(e.Collection(), data)
}

// Indexes returns the secondary index names of c.
func Indexes(c Collection) []string {
	return indexes[c]
}

// HasIndex reports whether c has a secondary index called name.
func HasIndex(c Collection, name string) bool {
	for _, n := range indexes[c] {
		if n == name {
			return true
		}
	}
	return false
}

// IndexValue returns the value e contributes to the named index.
// Booleans are rendered as "1" and "0".
func IndexValue(e Entity, name string) (string, bool) {
	switch r := e.(type) {
	case *LocationRecord:
		if name == "projectId" {
			return r.ProjectID, true
		}
	case *AnchorPointRecord:
		if name == "projectId" {
			return r.ProjectID, true
		}
	case *AnchorTestRecord:
		if name == "pointId" {
			return r.PointID, true
		}
	case *FileBlobRecord:
		if name == "uploaded" {
			return BoolIndex(r.Uploaded), true
		}
	}
	return "", false
}

// BoolIndex renders a boolean index value.
func BoolIndex(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
