// Package demo declares the sample schema used by the estuary command line:
// cities containing houses containing people. It doubles as a reference for
// wiring an application schema into the tracking registry.
package demo

import (
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// City is a top-level row other rows point at.
type City struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (City) TableName() string {
	return "cities"
}

// House belongs to a city.
type House struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Address string `gorm:"column:address;size:190;not null"`
	CityID  *int64 `gorm:"column:city_id"`
}

// TableName provides the explicit table binding for GORM.
func (House) TableName() string {
	return "houses"
}

// Person lives in a house and carries a unique email.
type Person struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name    string `gorm:"column:name;size:190;not null"`
	Email   string `gorm:"column:email;size:190;uniqueIndex"`
	HouseID *int64 `gorm:"column:house_id"`
}

// TableName provides the explicit table binding for GORM.
func (Person) TableName() string {
	return "people"
}

// Register declares the demo schema in the tracking registry.
func Register(registry *track.Registry) error {
	if err := registry.Register(track.ContentType{
		ID:       "city",
		Table:    "cities",
		PKColumn: "id",
		Columns: []track.Column{
			{Name: "id", Kind: track.KindInteger},
			{Name: "name", Kind: track.KindText},
		},
		Model: &City{},
	}); err != nil {
		return err
	}
	if err := registry.Register(track.ContentType{
		ID:       "house",
		Table:    "houses",
		PKColumn: "id",
		Columns: []track.Column{
			{Name: "id", Kind: track.KindInteger},
			{Name: "address", Kind: track.KindText},
			{Name: "city_id", Kind: track.KindInteger},
		},
		ForeignKeys: []track.ForeignKey{{Column: "city_id", RefType: "city"}},
		Model:       &House{},
	}); err != nil {
		return err
	}
	return registry.Register(track.ContentType{
		ID:       "person",
		Table:    "people",
		PKColumn: "id",
		Columns: []track.Column{
			{Name: "id", Kind: track.KindInteger},
			{Name: "name", Kind: track.KindText},
			{Name: "email", Kind: track.KindText},
			{Name: "house_id", Kind: track.KindInteger},
		},
		ForeignKeys: []track.ForeignKey{{Column: "house_id", RefType: "house"}},
		Uniques:     [][]string{{"email"}},
		Model:       &Person{},
	})
}
