package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestItem_Validate(t *testing.T) {
	now := time.Now()

	valid := func() Item {
		return Item{
			ID:        "42",
			Domain:    DomainProduct,
			Name:      "Flour",
			Quantity:  3,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Item)
		wantErr bool
		errMsg  string
	}{
		{name: "valid item", mutate: func(*Item) {}},
		{name: "missing id", mutate: func(i *Item) { i.ID = "" }, wantErr: true, errMsg: "id is required"},
		{name: "missing name", mutate: func(i *Item) { i.Name = "" }, wantErr: true, errMsg: "name is required"},
		{name: "unknown domain", mutate: func(i *Item) { i.Domain = "tool" }, wantErr: true, errMsg: "invalid domain"},
		{name: "negative quantity", mutate: func(i *Item) { i.Quantity = -1 }, wantErr: true, errMsg: "quantity cannot be negative"},
		{name: "bad expiry", mutate: func(i *Item) { i.ExpiryDate = "31/12/2026" }, wantErr: true, errMsg: "expiry_date must be YYYY-MM-DD"},
		{name: "valid expiry", mutate: func(i *Item) { i.ExpiryDate = "2026-12-31" }},
		{name: "residue", mutate: func(i *Item) { i.Domain = DomainResidue }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := valid()
			tt.mutate(&item)
			err := item.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestItem_DocumentRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 10, 7, 36, 29, 123, time.UTC)
	item := &Item{
		ID:          "42",
		Name:        "Flour",
		Quantity:    5,
		MinQuantity: 2,
		GroupID:     "g1",
		ExpiryDate:  "2026-02-01",
	}
	item.SetDefaults(now)

	// Through JSON, as the outbox stores it.
	raw, err := item.Document().Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	doc, err := DecodeDocument(raw)
	if err != nil {
		t.Fatalf("DecodeDocument() failed: %v", err)
	}
	got, err := ItemFromDocument(doc)
	if err != nil {
		t.Fatalf("ItemFromDocument() failed: %v", err)
	}

	if got.Domain != DomainProduct {
		t.Errorf("Domain = %q, want default product", got.Domain)
	}
	if got.Quantity != 5 || got.MinQuantity != 2 {
		t.Errorf("quantities = %v/%v, want 5/2", got.Quantity, got.MinQuantity)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
	if got.EntryDate != "2026-01-10" {
		t.Errorf("EntryDate = %q, want 2026-01-10", got.EntryDate)
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(time.Nanosecond))
	if !(earlier < later) {
		t.Errorf("%q should sort before %q", earlier, later)
	}
	if len(earlier) != len(later) {
		t.Errorf("layout is not fixed width: %d vs %d", len(earlier), len(later))
	}

	// Non-UTC input renders in UTC.
	local := base.In(time.FixedZone("BRT", -3*3600))
	if FormatTime(local) != earlier {
		t.Errorf("FormatTime(%v) = %q, want %q", local, FormatTime(local), earlier)
	}
}

func TestMutation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       Mutation
		wantErr bool
	}{
		{"upsert", Upsert(OpAdd, CollectionProducts, Document{"id": "1"}), false},
		{"delete", Delete(CollectionGroups, "g1"), false},
		{"unknown collection", Mutation{Op: OpAdd, Collection: "nope", DocumentID: "1", Data: Document{}}, true},
		{"unknown op", Mutation{Op: "merge", Collection: CollectionProducts, DocumentID: "1"}, true},
		{"missing id", Delete(CollectionProducts, ""), true},
		{"upsert without data", Mutation{Op: OpUpdate, Collection: CollectionProducts, DocumentID: "1"}, true},
		{"mismatched id", Mutation{Op: OpUpdate, Collection: CollectionProducts, DocumentID: "1", Data: Document{"id": "2"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyncOperation_WireShape(t *testing.T) {
	op := SyncOperation{
		ID:            "op-1",
		OperationType: OpUpdate,
		Collection:    CollectionProducts,
		DocumentID:    "42",
		Data:          Document{"id": "42", "quantity": 5.0},
		Timestamp:     "2026-01-10T07:36:29.000000001Z",
		Payload:       "ignored",
		Attempts:      3,
	}
	raw, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	want := []string{"id", "operation_type", "collection", "document_id", "data", "timestamp", "synced"}
	if len(fields) != len(want) {
		t.Errorf("wire shape has %d fields, want %d: %v", len(fields), len(want), fields)
	}
	for _, k := range want {
		if _, ok := fields[k]; !ok {
			t.Errorf("wire shape lacks %q", k)
		}
	}
}

func TestDocument_Accessors(t *testing.T) {
	doc := Document{
		"n32":    int32(4),
		"n64":    int64(5),
		"str":    "6.5",
		"nested": map[string]any{"a": 1.0},
		"blob":   `{"b": true}`,
	}

	for key, want := range map[string]float64{"n32": 4, "n64": 5, "str": 6.5, "missing": 0} {
		got, err := doc.Float(key)
		if err != nil {
			t.Fatalf("Float(%s) failed: %v", key, err)
		}
		if got != want {
			t.Errorf("Float(%s) = %v, want %v", key, got, want)
		}
	}

	nested, err := doc.Object("nested")
	if err != nil || nested["a"] != 1.0 {
		t.Errorf("Object(nested) = %v, %v", nested, err)
	}
	blob, err := doc.Object("blob")
	if err != nil || blob["b"] != true {
		t.Errorf("Object(blob) = %v, %v", blob, err)
	}
	if _, err := DecodeDocument([]byte("null")); err == nil {
		t.Error("DecodeDocument(null) succeeded, want error")
	}
	if _, err := DecodeDocument([]byte("{broken")); err == nil {
		t.Error("DecodeDocument(broken) succeeded, want error")
	}
}
