package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// TechPackStatus enumerates the lifecycle states of a tech pack.
type TechPackStatus string

const (
	TechPackStatusDraft      TechPackStatus = "DRAFT"
	TechPackStatusInReview   TechPackStatus = "IN_REVIEW"
	TechPackStatusApproved   TechPackStatus = "APPROVED"
	TechPackStatusProduction TechPackStatus = "PRODUCTION"
	TechPackStatusArchived   TechPackStatus = "ARCHIVED"
)

// ShareRole enumerates per-record roles granted through sharing.
type ShareRole string

const (
	ShareRoleOwner   ShareRole = "owner"
	ShareRoleAdmin   ShareRole = "admin"
	ShareRoleEditor  ShareRole = "editor"
	ShareRoleViewer  ShareRole = "viewer"
	ShareRoleFactory ShareRole = "factory"
)

// UserRef is a user reference that arrives either as a bare identifier or as
// a resolved object carrying a display name. All identity comparisons go
// through Key; display rendering goes through DisplayValue.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Key returns the normalized identifier used for comparisons.
func (r UserRef) Key() string {
	return r.ID
}

// DisplayValue returns the display name when resolved, otherwise the id.
func (r UserRef) DisplayValue() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// IsZero reports whether the reference is empty.
func (r UserRef) IsZero() bool {
	return r.ID == "" && r.Name == ""
}

// UnmarshalJSON accepts both `"user-1"` and `{"id":"user-1","name":"Ana"}`.
func (r *UserRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.ID = id
		r.Name = ""
		return nil
	}
	type ref UserRef
	var full ref
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*r = UserRef(full)
	return nil
}

// Value implements driver.Valuer.
func (r UserRef) Value() (driver.Value, error) {
	return jsonbValue(r)
}

// Scan implements sql.Scanner.
func (r *UserRef) Scan(src interface{}) error {
	return jsonbScan(src, r)
}

// ShareGrant assigns a per-record role to a user, independent of their
// system-wide role.
type ShareGrant struct {
	UserID    string    `json:"userId"`
	Role      ShareRole `json:"role"`
	GrantedBy string    `json:"grantedBy"`
	GrantedAt time.Time `json:"grantedAt"`
}

// ShareGrants is the jsonb-backed collection of grants on a tech pack.
type ShareGrants []ShareGrant

// Value implements driver.Valuer.
func (g ShareGrants) Value() (driver.Value, error) {
	if g == nil {
		g = ShareGrants{}
	}
	return jsonbValue(g)
}

// Scan implements sql.Scanner.
func (g *ShareGrants) Scan(src interface{}) error {
	return jsonbScan(src, g)
}

// BOMItem is one bill-of-materials line.
type BOMItem struct {
	ID           string  `json:"id"`
	MaterialName string  `json:"materialName"`
	Composition  string  `json:"composition,omitempty"`
	Supplier     string  `json:"supplier,omitempty"`
	Quantity     float64 `json:"quantity,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	Color        string  `json:"color,omitempty"`
	Comments     string  `json:"comments,omitempty"`
}

// BOMItems is the jsonb-backed bill of materials.
type BOMItems []BOMItem

// Value implements driver.Valuer.
func (b BOMItems) Value() (driver.Value, error) {
	if b == nil {
		b = BOMItems{}
	}
	return jsonbValue(b)
}

// Scan implements sql.Scanner.
func (b *BOMItems) Scan(src interface{}) error {
	return jsonbScan(src, b)
}

// Measurement is one point of measure with per-size values.
type Measurement struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Tolerance string            `json:"tolerance,omitempty"`
	Sizes     map[string]string `json:"sizes,omitempty"`
	Comments  string            `json:"comments,omitempty"`
}

// Measurements is the jsonb-backed measurement chart.
type Measurements []Measurement

// Value implements driver.Valuer.
func (m Measurements) Value() (driver.Value, error) {
	if m == nil {
		m = Measurements{}
	}
	return jsonbValue(m)
}

// Scan implements sql.Scanner.
func (m *Measurements) Scan(src interface{}) error {
	return jsonbScan(src, m)
}

// Colorway is one color variant of the style.
type Colorway struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code,omitempty"`
	Pantone   string `json:"pantone,omitempty"`
	Placement string `json:"placement,omitempty"`
}

// Colorways is the jsonb-backed colorway list.
type Colorways []Colorway

// Value implements driver.Valuer.
func (c Colorways) Value() (driver.Value, error) {
	if c == nil {
		c = Colorways{}
	}
	return jsonbValue(c)
}

// Scan implements sql.Scanner.
func (c *Colorways) Scan(src interface{}) error {
	return jsonbScan(src, c)
}

// ConstructionDetail is one construction/sewing instruction.
type ConstructionDetail struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StitchType  string `json:"stitchType,omitempty"`
	Placement   string `json:"placement,omitempty"`
	Description string `json:"description,omitempty"`
}

// ConstructionDetails is the jsonb-backed construction section.
type ConstructionDetails []ConstructionDetail

// Value implements driver.Valuer.
func (d ConstructionDetails) Value() (driver.Value, error) {
	if d == nil {
		d = ConstructionDetails{}
	}
	return jsonbValue(d)
}

// Scan implements sql.Scanner.
func (d *ConstructionDetails) Scan(src interface{}) error {
	return jsonbScan(src, d)
}

// TechPack is the versioned business document. The record service owns its
// CRUD; the revision engine reads it and, during revert, overwrites it.
type TechPack struct {
	ID                string              `db:"id" json:"id"`
	Name              string              `db:"name" json:"name"`
	Status            TechPackStatus      `db:"status" json:"status"`
	Season            string              `db:"season" json:"season,omitempty"`
	Description       string              `db:"description" json:"description,omitempty"`
	OwnerID           string              `db:"owner_id" json:"ownerId"`
	TechnicalDesigner UserRef             `db:"technical_designer" json:"technicalDesigner,omitempty"`
	Version           string              `db:"version" json:"version"`
	BOM               BOMItems            `db:"bom" json:"bom"`
	Measurements      Measurements        `db:"measurements" json:"measurements"`
	Colorways         Colorways           `db:"colorways" json:"colorways"`
	Construction      ConstructionDetails `db:"construction" json:"construction"`
	Shares            ShareGrants         `db:"shares" json:"shares,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updatedAt"`
}

// GrantFor returns the share grant held by userID, if any.
func (t *TechPack) GrantFor(userID string) *ShareGrant {
	if t == nil {
		return nil
	}
	for i := range t.Shares {
		if t.Shares[i].UserID == userID {
			return &t.Shares[i]
		}
	}
	return nil
}

// IsAssignedDesigner reports whether userID is the assigned technical designer.
func (t *TechPack) IsAssignedDesigner(userID string) bool {
	return t != nil && userID != "" && t.TechnicalDesigner.Key() == userID
}

// Clone returns a deep copy via a JSON round trip.
func (t *TechPack) Clone() (*TechPack, error) {
	if t == nil {
		return nil, nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out TechPack
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
