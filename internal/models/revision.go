package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ChangeType classifies how a revision came to exist.
type ChangeType string

const (
	ChangeTypeAuto     ChangeType = "auto"
	ChangeTypeManual   ChangeType = "manual"
	ChangeTypeApproval ChangeType = "approval"
	ChangeTypeRollback ChangeType = "rollback"
)

// Valid reports whether the change type is one of the known values.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeTypeAuto, ChangeTypeManual, ChangeTypeApproval, ChangeTypeRollback:
		return true
	}
	return false
}

// SectionCounts tallies changes inside one tracked section.
type SectionCounts struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Removed  int `json:"removed"`
}

// FieldChange is the wire form of a single diff entry.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// ChangeSummary is the structured diff stored with a revision.
type ChangeSummary struct {
	Summary string                   `json:"summary"`
	Details map[string]SectionCounts `json:"details"`
	Diff    map[string]FieldChange   `json:"diff"`
}

// Empty reports whether the summary records no changes.
func (c ChangeSummary) Empty() bool {
	return len(c.Diff) == 0 && len(c.Details) == 0
}

// Value implements driver.Valuer.
func (c ChangeSummary) Value() (driver.Value, error) {
	return jsonbValue(c)
}

// Scan implements sql.Scanner.
func (c *ChangeSummary) Scan(src interface{}) error {
	return jsonbScan(src, c)
}

// RevisionComment is a comment appended to a revision after the fact.
type RevisionComment struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// RevisionComments is the jsonb-backed comment list.
type RevisionComments []RevisionComment

// Value implements driver.Valuer.
func (c RevisionComments) Value() (driver.Value, error) {
	if c == nil {
		c = RevisionComments{}
	}
	return jsonbValue(c)
}

// Scan implements sql.Scanner.
func (c *RevisionComments) Scan(src interface{}) error {
	return jsonbScan(src, c)
}

// Revision is one immutable entry in a tech pack's history. The snapshot and
// change summary are frozen at creation; only approval metadata and comments
// may be appended later.
type Revision struct {
	ID               string           `db:"id" json:"id"`
	TechPackID       string           `db:"tech_pack_id" json:"techPackId"`
	Version          string           `db:"version" json:"version"`
	ChangeType       ChangeType       `db:"change_type" json:"changeType"`
	ChangeSummary    ChangeSummary    `db:"change_summary" json:"changeSummary"`
	CreatedBy        string           `db:"created_by" json:"createdBy"`
	CreatedByName    string           `db:"created_by_name" json:"createdByName"`
	Description      string           `db:"description" json:"description,omitempty"`
	TechPackStatus   TechPackStatus   `db:"tech_pack_status" json:"techPackStatus"`
	Snapshot         json.RawMessage  `db:"snapshot" json:"snapshot,omitempty"`
	RevertedFrom     *string          `db:"reverted_from" json:"revertedFrom,omitempty"`
	RevertedFromID   *string          `db:"reverted_from_id" json:"revertedFromId,omitempty"`
	ApprovedBy       *string          `db:"approved_by" json:"approvedBy,omitempty"`
	ApprovedByName   *string          `db:"approved_by_name" json:"approvedByName,omitempty"`
	ApprovalDecision *string          `db:"approval_decision" json:"approvalDecision,omitempty"`
	ApprovedAt       *time.Time       `db:"approved_at" json:"approvedAt,omitempty"`
	Comments         RevisionComments `db:"comments" json:"comments,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"createdAt"`
}

// HasSnapshot reports whether the revision carries a restorable snapshot.
func (r *Revision) HasSnapshot() bool {
	return r != nil && len(r.Snapshot) > 0 && string(r.Snapshot) != "null"
}

// DecodeSnapshot unmarshals the stored snapshot into a TechPack.
func (r *Revision) DecodeSnapshot() (*TechPack, error) {
	if !r.HasSnapshot() {
		return nil, nil
	}
	var pack TechPack
	if err := json.Unmarshal(r.Snapshot, &pack); err != nil {
		return nil, err
	}
	return &pack, nil
}

// EncodeSnapshot freezes the given state into the revision.
func (r *Revision) EncodeSnapshot(pack *TechPack) error {
	if pack == nil {
		r.Snapshot = nil
		return nil
	}
	raw, err := json.Marshal(pack)
	if err != nil {
		return err
	}
	r.Snapshot = raw
	return nil
}

// RevisionFilter constrains listing queries.
type RevisionFilter struct {
	ChangeType      ChangeType
	CreatedBy       string
	Page            int
	Limit           int
	IncludeSnapshot bool
}
