package model

import (
	"fmt"
	"time"
)

// Domain discriminates the two kinds of stock kept in the items table.
type Domain string

const (
	DomainProduct Domain = "product"
	DomainResidue Domain = "residue"
)

// IsValid reports whether d is a known domain.
func (d Domain) IsValid() bool {
	return d == DomainProduct || d == DomainResidue
}

// Collection returns the remote collection holding items of this domain.
func (d Domain) Collection() Collection {
	if d == DomainResidue {
		return CollectionResidues
	}
	return CollectionProducts
}

// Item is a product or residue stock record.
// Last-write-wins on the remote side is decided by UpdatedAt.
type Item struct {
	ID          string    `json:"id"`
	Domain      Domain    `json:"domain"`
	Name        string    `json:"name"`
	Quantity    float64   `json:"quantity"`
	Unit        string    `json:"unit,omitempty"`
	MinQuantity float64   `json:"min_quantity"`
	GroupID     string    `json:"group_id,omitempty"`    // empty for ungrouped
	EntryDate   string    `json:"entry_date,omitempty"`  // DateLayout
	ExpiryDate  string    `json:"expiry_date,omitempty"` // DateLayout, empty if it never expires
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks if the Item has valid field values.
func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(i.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(i.Name))
	}
	if !i.Domain.IsValid() {
		return fmt.Errorf("invalid domain %q (must be product or residue)", i.Domain)
	}
	if !finite(i.Quantity) || i.Quantity < 0 {
		return fmt.Errorf("quantity cannot be negative (got %v)", i.Quantity)
	}
	if !finite(i.MinQuantity) || i.MinQuantity < 0 {
		return fmt.Errorf("min_quantity cannot be negative (got %v)", i.MinQuantity)
	}
	for field, value := range map[string]string{"entry_date": i.EntryDate, "expiry_date": i.ExpiryDate} {
		if value == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, value); err != nil {
			return fmt.Errorf("%s must be YYYY-MM-DD (got %q)", field, value)
		}
	}
	if i.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if i.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (i *Item) SetDefaults(now time.Time) {
	if i.Domain == "" {
		i.Domain = DomainProduct
	}
	if i.EntryDate == "" {
		i.EntryDate = now.Format(DateLayout)
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = now
	}
}

// Touch sets UpdatedAt. It should be called whenever any field is modified.
func (i *Item) Touch(now time.Time) {
	i.UpdatedAt = now
}

// IsLow reports whether the stock is at or below its own minimum.
func (i *Item) IsLow() bool {
	return i.MinQuantity > 0 && i.Quantity <= i.MinQuantity
}

// Document converts the item to its flat document form.
func (i *Item) Document() Document {
	return Document{
		"id":           i.ID,
		"domain":       string(i.Domain),
		"name":         i.Name,
		"quantity":     i.Quantity,
		"unit":         i.Unit,
		"min_quantity": i.MinQuantity,
		"group_id":     i.GroupID,
		"entry_date":   i.EntryDate,
		"expiry_date":  i.ExpiryDate,
		"notes":        i.Notes,
		"created_at":   FormatTime(i.CreatedAt),
		"updated_at":   FormatTime(i.UpdatedAt),
	}
}

// ItemFromDocument is the inverse of Document. The result is validated.
func ItemFromDocument(doc Document) (*Item, error) {
	item := &Item{
		ID:         doc.ID(),
		Domain:     Domain(doc.String("domain")),
		Name:       doc.String("name"),
		Unit:       doc.String("unit"),
		GroupID:    doc.String("group_id"),
		EntryDate:  doc.String("entry_date"),
		ExpiryDate: doc.String("expiry_date"),
		Notes:      doc.String("notes"),
	}

	var err error
	if item.Quantity, err = doc.Float("quantity"); err != nil {
		return nil, err
	}
	if item.MinQuantity, err = doc.Float("min_quantity"); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = ParseTime(doc.String("created_at")); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = ParseTime(doc.String("updated_at")); err != nil {
		return nil, err
	}

	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("invalid item document: %w", err)
	}
	return item, nil
}
