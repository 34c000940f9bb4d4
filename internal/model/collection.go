package model

import "fmt"

// Collection names a remote collection. The set is closed.
type Collection string

const (
	CollectionProducts        Collection = "products"
	CollectionResidues        Collection = "residues"
	CollectionGroups          Collection = "groups"
	CollectionHistory         Collection = "history"
	CollectionSettings        Collection = "settings"
	CollectionDashboardConfig Collection = "dashboard_config"
)

// Collections lists every collection.
var Collections = []Collection{
	CollectionProducts,
	CollectionResidues,
	CollectionGroups,
	CollectionHistory,
	CollectionSettings,
	CollectionDashboardConfig,
}

// IsValid reports whether c is a known collection.
func (c Collection) IsValid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// Domain returns the item domain stored in c, if c holds items.
func (c Collection) Domain() (Domain, bool) {
	switch c {
	case CollectionProducts:
		return DomainProduct, true
	case CollectionResidues:
		return DomainResidue, true
	}
	return "", false
}

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown collection %q", s)
	}
	return c, nil
}

// OpType is the kind of remote effect an operation carries.
type OpType string

const (
	OpAdd    OpType = "add"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// IsValid reports whether o is a known operation type.
func (o OpType) IsValid() bool {
	return o == OpAdd || o == OpUpdate || o == OpDelete
}

// IsUpsert reports whether the remote effect is upsert-by-id.
func (o OpType) IsUpsert() bool {
	return o == OpAdd || o == OpUpdate
}
