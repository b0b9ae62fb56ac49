package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAllowList(t *testing.T) {
	got := AllowList()
	want := []Collection{AnchorPoint, AnchorTest, Location, Project}
	if len(got) != len(want) {
		t.Fatalf("AllowList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AllowList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for _, c := range []Collection{Company, User, FileBlob, "sync_queue", "nope"} {
		if IsSyncable(c) {
			t.Errorf("IsSyncable(%q) = true, want false", c)
		}
	}
}

func TestDecode_TaggedUnion(t *testing.T) {
	data := []byte(`{"id":"p1","lastModified":"2024-05-01T10:00:00Z","projectId":"proj-1","numeroPonto":"A-12","syncStatus":"pending"}`)

	e, err := Decode(AnchorPoint, data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	ap, ok := e.(*AnchorPointRecord)
	if !ok {
		t.Fatalf("Decode() returned %T, want *AnchorPointRecord", e)
	}
	if ap.ID != "p1" || ap.ProjectID != "proj-1" || ap.Number != "A-12" {
		t.Errorf("decoded = %+v", ap)
	}
	if ap.SyncStatus != StatusPending {
		t.Errorf("SyncStatus = %q, want pending", ap.SyncStatus)
	}
	if !ap.LastModified.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("LastModified = %v", ap.LastModified)
	}

	if _, err := DecodeSyncable(User, []byte(`{"id":"u1"}`)); err == nil {
		t.Error("DecodeSyncable(user) succeeded, want error")
	}
	if _, err := Decode("widgets", data); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Decode(widgets) error = %v, want ErrUnknownCollection", err)
	}
}

func TestClone_IsIndependent(t *testing.T) {
	orig := &ProjectRecord{Meta: Meta{ID: "proj-1"}, Name: "Tower", CompanyID: "c1"}
	cp, err := Clone(orig)
	if err != nil {
		t.Fatalf("Clone() failed: %v", err)
	}
	cp.(*ProjectRecord).Name = "Changed"
	if orig.Name != "Tower" {
		t.Errorf("Clone() shares state with original")
	}
}

func TestIndexValue(t *testing.T) {
	tests := []struct {
		name   string
		e      Entity
		index  string
		want   string
		wantOK bool
	}{
		{"anchor point project", &AnchorPointRecord{ProjectID: "proj-1"}, "projectId", "proj-1", true},
		{"anchor test point", &AnchorTestRecord{PointID: "p1"}, "pointId", "p1", true},
		{"blob uploaded", &FileBlobRecord{Uploaded: true}, "uploaded", "1", true},
		{"blob not uploaded", &FileBlobRecord{}, "uploaded", "0", true},
		{"unknown index", &ProjectRecord{}, "companyId", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := IndexValue(tt.e, tt.index)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("IndexValue() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if !HasIndex(AnchorTest, "pointId") || HasIndex(AnchorTest, "projectId") {
		t.Error("HasIndex() mismatch for anchor_test")
	}
}

func TestValidate(t *testing.T) {
	valid := &AnchorPointRecord{Meta: Meta{ID: "p1"}, ProjectID: "proj-1", Number: "A-1", Latitude: -23.5, Longitude: -46.6}
	if err := Validate(valid); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}

	invalid := &AnchorPointRecord{Meta: Meta{ID: "p1"}, Latitude: 123}
	err := Validate(invalid)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate(invalid) error = %v, want *ValidationError", err)
	}
	for _, field := range []string{"projectId", "numeroPonto", "latitude"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("missing field error for %q in %v", field, verr.Fields)
		}
	}
	if !strings.HasPrefix(verr.Error(), "invalid anchor_point:") {
		t.Errorf("Error() = %q", verr.Error())
	}

	test := &AnchorTestRecord{Meta: Meta{ID: "t1"}, PointID: "p1", Result: "maybe"}
	if err := Validate(test); err == nil {
		t.Error("Validate() accepted result outside oneof")
	}
}
