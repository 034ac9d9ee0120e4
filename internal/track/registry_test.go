package track

import (
	"errors"
	"testing"
)

func personType() ContentType {
	return ContentType{
		ID:       "person",
		Table:    "people",
		PKColumn: "id",
		Columns: []Column{
			{Name: "id", Kind: KindInteger},
			{Name: "name", Kind: KindText},
			{Name: "email", Kind: KindText},
			{Name: "house_id", Kind: KindInteger},
		},
		ForeignKeys: []ForeignKey{{Column: "house_id", RefType: "house"}},
		Uniques:     [][]string{{"email"}},
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(personType()); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := registry.Register(personType()); err != nil {
		t.Fatalf("re-registration should be a no-op, got: %v", err)
	}
	if got := len(registry.Types()); got != 1 {
		t.Fatalf("expected a single registered type, got %d", got)
	}
}

func TestRegisterRejectsConflictingTable(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(personType()); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	conflicting := personType()
	conflicting.Table = "humans"
	if err := registry.Register(conflicting); !errors.Is(err, ErrInvalidContentType) {
		t.Fatalf("expected invalid content type error, got: %v", err)
	}
}

func TestRegisterValidatesDeclaredColumns(t *testing.T) {
	registry := NewRegistry()

	missingPK := personType()
	missingPK.PKColumn = "uuid"
	if err := registry.Register(missingPK); !errors.Is(err, ErrInvalidContentType) {
		t.Fatalf("expected error for undeclared pk column, got: %v", err)
	}

	missingFK := personType()
	missingFK.ForeignKeys = []ForeignKey{{Column: "city_id", RefType: "city"}}
	if err := registry.Register(missingFK); !errors.Is(err, ErrInvalidContentType) {
		t.Fatalf("expected error for undeclared fk column, got: %v", err)
	}

	emptyUnique := personType()
	emptyUnique.Uniques = [][]string{{}}
	if err := registry.Register(emptyUnique); !errors.Is(err, ErrInvalidContentType) {
		t.Fatalf("expected error for empty unique constraint, got: %v", err)
	}
}

func TestReferencingReportsIncomingEdges(t *testing.T) {
	registry := NewRegistry()
	house := ContentType{
		ID:       "house",
		Table:    "houses",
		PKColumn: "id",
		Columns: []Column{
			{Name: "id", Kind: KindInteger},
			{Name: "city_id", Kind: KindInteger},
		},
		ForeignKeys: []ForeignKey{{Column: "city_id", RefType: "city"}},
	}
	city := ContentType{
		ID:       "city",
		Table:    "cities",
		PKColumn: "id",
		Columns:  []Column{{Name: "id", Kind: KindInteger}},
	}
	if err := registry.Register(city); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := registry.Register(house); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	edges := registry.Referencing("city")
	if len(edges) != 1 {
		t.Fatalf("expected one referencing type, got %d", len(edges))
	}
	columns, ok := edges["house"]
	if !ok || len(columns) != 1 || columns[0] != "city_id" {
		t.Fatalf("unexpected edges: %#v", edges)
	}
	if len(registry.Referencing("house")) != 0 {
		t.Fatalf("nothing references houses")
	}
}
