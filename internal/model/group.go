package model

import (
	"fmt"
	"time"
)

// Group is a named category of items.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Color       string    `json:"color,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks if the Group has valid field values.
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if g.CreatedAt.IsZero() || g.UpdatedAt.IsZero() {
		return fmt.Errorf("timestamps are required")
	}
	return nil
}

// SetDefaults fills missing timestamps.
func (g *Group) SetDefaults(now time.Time) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = now
	}
}

// Document converts the group to its flat document form.
func (g *Group) Document() Document {
	return Document{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"icon":        g.Icon,
		"color":       g.Color,
		"created_at":  FormatTime(g.CreatedAt),
		"updated_at":  FormatTime(g.UpdatedAt),
	}
}

// GroupFromDocument is the inverse of Document.
func GroupFromDocument(doc Document) (*Group, error) {
	g := &Group{
		ID:          doc.ID(),
		Name:        doc.String("name"),
		Description: doc.String("description"),
		Icon:        doc.String("icon"),
		Color:       doc.String("color"),
	}
	var err error
	if g.CreatedAt, err = ParseTime(doc.String("created_at")); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = ParseTime(doc.String("updated_at")); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid group document: %w", err)
	}
	return g, nil
}

// Effect is the kind of stock movement a history entry records.
type Effect string

const (
	EffectEntry   Effect = "entry"
	EffectExit    Effect = "exit"
	EffectAdjust  Effect = "adjust"
	EffectRemoval Effect = "removal"
)

// IsValid reports whether e is a known effect.
func (e Effect) IsValid() bool {
	switch e {
	case EffectEntry, EffectExit, EffectAdjust, EffectRemoval:
		return true
	}
	return false
}

// HistoryEntry records one stock movement. Entries are append-only.
type HistoryEntry struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Quantity  float64   `json:"quantity"`
	Date      string    `json:"date"` // DateLayout
	Timestamp time.Time `json:"timestamp"`
	Effect    Effect    `json:"effect"`
}

// Validate checks if the HistoryEntry has valid field values.
func (h *HistoryEntry) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("id is required")
	}
	if h.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if !h.Effect.IsValid() {
		return fmt.Errorf("invalid effect %q", h.Effect)
	}
	if !finite(h.Quantity) {
		return fmt.Errorf("quantity must be finite")
	}
	if h.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Document converts the entry to its flat document form.
func (h *HistoryEntry) Document() Document {
	return Document{
		"id":        h.ID,
		"item_id":   h.ItemID,
		"quantity":  h.Quantity,
		"date":      h.Date,
		"timestamp": FormatTime(h.Timestamp),
		"effect":    string(h.Effect),
		// History is immutable; updated_at lets the remote apply the same
		// last-write-wins check as for every other collection.
		"updated_at": FormatTime(h.Timestamp),
	}
}

// HistoryFromDocument is the inverse of Document.
func HistoryFromDocument(doc Document) (*HistoryEntry, error) {
	h := &HistoryEntry{
		ID:     doc.ID(),
		ItemID: doc.String("item_id"),
		Date:   doc.String("date"),
		Effect: Effect(doc.String("effect")),
	}
	var err error
	if h.Quantity, err = doc.Float("quantity"); err != nil {
		return nil, err
	}
	if h.Timestamp, err = ParseTime(doc.String("timestamp")); err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid history document: %w", err)
	}
	return h, nil
}

// ConfigEntry is an opaque configuration blob, used by both settings and
// dashboard card configuration.
type ConfigEntry struct {
	ID        string    `json:"id"`
	Data      Document  `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the ConfigEntry has valid field values.
func (c *ConfigEntry) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Document converts the entry to its flat document form.
func (c *ConfigEntry) Document() Document {
	data := c.Data
	if data == nil {
		data = Document{}
	}
	return Document{
		"id":         c.ID,
		"data":       map[string]any(data),
		"updated_at": FormatTime(c.UpdatedAt),
	}
}

// ConfigFromDocument is the inverse of Document.
func ConfigFromDocument(doc Document) (*ConfigEntry, error) {
	data, err := doc.Object("data")
	if err != nil {
		return nil, err
	}
	c := &ConfigEntry{ID: doc.ID(), Data: data}
	if c.UpdatedAt, err = ParseTime(doc.String("updated_at")); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config document: %w", err)
	}
	return c, nil
}
