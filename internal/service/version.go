package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
)

type latestRevisionFinder interface {
	FindLatest(ctx context.Context, techPackID string) (*models.Revision, error)
}

// VersionSequencer computes the next version tag for a tech pack from its
// most recently persisted revision. Callers must invoke it inside the same
// unit of work as the write it precedes; the unique (tech_pack_id, version)
// constraint catches two concurrent callers computing the same tag.
type VersionSequencer struct {
	revisions latestRevisionFinder
}

// NewVersionSequencer constructs the sequencer.
func NewVersionSequencer(revisions latestRevisionFinder) *VersionSequencer {
	return &VersionSequencer{revisions: revisions}
}

// Next returns the version tag the next revision of techPackID should carry.
// With no prior revision the current version is treated as v1.0.
func (s *VersionSequencer) Next(ctx context.Context, techPackID string) (string, error) {
	current := "v1.0"

	latest, err := s.revisions.FindLatest(ctx, techPackID)
	switch {
	case err == nil:
		current = latest.Version
	case errors.Is(err, sql.ErrNoRows):
		// first revision
	default:
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load latest revision")
	}

	major, minor := ParseVersion(current)
	return FormatVersion(major, minor+1), nil
}

// ParseVersion reads a `v?<major>.<minor>` tag, tolerating a missing leading
// v. Malformed or non-numeric components fall back to 1.0.
func ParseVersion(raw string) (major, minor int) {
	major, minor = 1, 0

	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "v"), "V")
	parts := strings.SplitN(trimmed, ".", 2)
	if len(parts) != 2 {
		return major, minor
	}

	parsedMajor, err := strconv.Atoi(parts[0])
	if err != nil || parsedMajor < 0 {
		return 1, 0
	}
	parsedMinor, err := strconv.Atoi(parts[1])
	if err != nil || parsedMinor < 0 {
		return 1, 0
	}
	return parsedMajor, parsedMinor
}

// FormatVersion renders a version tag. Minor never rolls over into major;
// unbounded minor growth is the intended numbering scheme.
func FormatVersion(major, minor int) string {
	return fmt.Sprintf("v%d.%d", major, minor)
}
