package dto

import "github.com/atelierhq/techpack-api/internal/models"

// RevisionQuery captures list filters from the API surface.
type RevisionQuery struct {
	Page            int
	Limit           int
	ChangeType      string
	CreatedBy       string
	IncludeSnapshot bool
}

// CompareResponse is the capped diff between two revisions.
type CompareResponse struct {
	FromVersion string                        `json:"fromVersion"`
	ToVersion   string                        `json:"toVersion"`
	Summary     string                        `json:"summary"`
	Diff        map[string]models.FieldChange `json:"diff"`
	Truncated   bool                          `json:"truncated"`
}

// RevertRequest carries the optional operator-supplied reason.
type RevertRequest struct {
	Reason string `json:"reason"`
}

// RevertResult returns both sides of a committed revert.
type RevertResult struct {
	TechPack *models.TechPack `json:"techPack"`
	Revision *models.Revision `json:"revision"`
}

// CommentRequest is the payload for commenting on a revision.
type CommentRequest struct {
	Text string `json:"text" binding:"required"`
}
