// Package diff computes structural diffs between two states of a tech pack.
// Tracked collections are matched by stable item identifier, never by array
// position, and every comparison is deterministic: diff(A, A) is empty and
// diff(A, B) mirrors diff(B, A) with old/new swapped.
package diff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/atelierhq/techpack-api/internal/models"
)

// NoChanges is the summary reported when two states are structurally equal.
const NoChanges = "No changes detected."

// Kind classifies a single diff entry.
type Kind string

const (
	KindAdded    Kind = "added"
	KindRemoved  Kind = "removed"
	KindModified Kind = "modified"
)

// Entry is one typed diff entry. Path strings are produced only at the wire
// boundary; internal consumers work with the structured form.
type Entry struct {
	Section string
	ItemID  string
	Field   string
	Kind    Kind
	Old     interface{}
	New     interface{}
}

// Path renders the entry address in the wire format:
// top-level field, section[+id:x], section[-id:x], or section[id:x].field.
func (e Entry) Path() string {
	if e.Section == "" {
		return e.Field
	}
	switch e.Kind {
	case KindAdded:
		return fmt.Sprintf("%s[+id:%s]", e.Section, e.ItemID)
	case KindRemoved:
		return fmt.Sprintf("%s[-id:%s]", e.Section, e.ItemID)
	default:
		return fmt.Sprintf("%s[id:%s].%s", e.Section, e.ItemID, e.Field)
	}
}

// Result is the outcome of one comparison.
type Result struct {
	Summary string
	Details map[string]models.SectionCounts
	Entries []Entry
}

// Empty reports whether no changes were found.
func (r Result) Empty() bool {
	return len(r.Entries) == 0
}

// Changes serializes the entries into the path-addressed wire form.
func (r Result) Changes() map[string]models.FieldChange {
	out := make(map[string]models.FieldChange, len(r.Entries))
	for _, e := range r.Entries {
		out[e.Path()] = models.FieldChange{Old: e.Old, New: e.New}
	}
	return out
}

// Truncate returns at most limit path-addressed changes plus a flag telling
// whether anything was cut. Entry order is deterministic, so repeated calls
// return the same subset.
func (r Result) Truncate(limit int) (map[string]models.FieldChange, bool) {
	if limit <= 0 || len(r.Entries) <= limit {
		return r.Changes(), false
	}
	out := make(map[string]models.FieldChange, limit)
	for _, e := range r.Entries[:limit] {
		out[e.Path()] = models.FieldChange{Old: e.Old, New: e.New}
	}
	return out, true
}

// ChangeSummary converts the result into the persistable form.
func (r Result) ChangeSummary() models.ChangeSummary {
	details := r.Details
	if details == nil {
		details = map[string]models.SectionCounts{}
	}
	return models.ChangeSummary{
		Summary: r.Summary,
		Details: details,
		Diff:    r.Changes(),
	}
}

// trackedSection declares one id-matched collection.
type trackedSection struct {
	name  string
	label string
	items func(*models.TechPack) interface{}
}

var trackedSections = []trackedSection{
	{"bom", "BOM", func(t *models.TechPack) interface{} { return t.BOM }},
	{"measurements", "Measurements", func(t *models.TechPack) interface{} { return t.Measurements }},
	{"colorways", "Colorways", func(t *models.TechPack) interface{} { return t.Colorways }},
	{"construction", "Construction", func(t *models.TechPack) interface{} { return t.Construction }},
}

// trackedField declares one top-level scalar field.
type trackedField struct {
	name  string
	value func(*models.TechPack) interface{}
}

var trackedFields = []trackedField{
	{"name", func(t *models.TechPack) interface{} { return t.Name }},
	{"status", func(t *models.TechPack) interface{} { return string(t.Status) }},
	{"season", func(t *models.TechPack) interface{} { return t.Season }},
	{"description", func(t *models.TechPack) interface{} { return t.Description }},
}

// bookkeepingFields are storage-internal fields excluded from comparison.
var bookkeepingFields = map[string]struct{}{
	"createdAt": {},
	"updatedAt": {},
}

// Engine compares tech pack states. It is stateless and safe for concurrent
// use; the logger only receives per-section degradation warnings.
type Engine struct {
	logger *zap.Logger
}

// NewEngine constructs a diff engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Compare diffs two states of the same tech pack. Nil inputs yield the empty
// result; a section that fails to compare is logged and skipped so the
// remaining sections are still reported.
func (e *Engine) Compare(oldPack, newPack *models.TechPack) Result {
	result := Result{Details: map[string]models.SectionCounts{}}

	if oldPack == nil || newPack == nil {
		result.Summary = NoChanges
		return result
	}

	for _, section := range trackedSections {
		entries, counts, err := compareSection(section.name, section.items(oldPack), section.items(newPack))
		if err != nil {
			e.logger.Warn("skipping section diff",
				zap.String("section", section.name),
				zap.Error(err),
			)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		result.Entries = append(result.Entries, entries...)
		result.Details[section.name] = counts
	}

	for _, field := range trackedFields {
		oldVal := field.value(oldPack)
		newVal := field.value(newPack)
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		result.Entries = append(result.Entries, Entry{
			Field: field.name,
			Kind:  KindModified,
			Old:   oldVal,
			New:   newVal,
		})
	}

	// The assignee is compared by identifier but rendered by display name.
	if oldPack.TechnicalDesigner.Key() != newPack.TechnicalDesigner.Key() {
		result.Entries = append(result.Entries, Entry{
			Field: "technicalDesigner",
			Kind:  KindModified,
			Old:   oldPack.TechnicalDesigner.DisplayValue(),
			New:   newPack.TechnicalDesigner.DisplayValue(),
		})
	}

	result.Summary = buildSummary(result)
	return result
}

// compareSection matches items by their stable id and reports per-field
// modifications plus whole-item additions and removals.
func compareSection(name string, oldItems, newItems interface{}) ([]Entry, models.SectionCounts, error) {
	oldByID, err := itemsByID(oldItems)
	if err != nil {
		return nil, models.SectionCounts{}, fmt.Errorf("old %s: %w", name, err)
	}
	newByID, err := itemsByID(newItems)
	if err != nil {
		return nil, models.SectionCounts{}, fmt.Errorf("new %s: %w", name, err)
	}

	ids := make([]string, 0, len(oldByID)+len(newByID))
	seen := make(map[string]struct{}, len(oldByID)+len(newByID))
	for id := range oldByID {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range newByID {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var entries []Entry
	var counts models.SectionCounts

	for _, id := range ids {
		oldItem, inOld := oldByID[id]
		newItem, inNew := newByID[id]

		switch {
		case !inOld:
			counts.Added++
			entries = append(entries, Entry{Section: name, ItemID: id, Kind: KindAdded, New: newItem})
		case !inNew:
			counts.Removed++
			entries = append(entries, Entry{Section: name, ItemID: id, Kind: KindRemoved, Old: oldItem})
		default:
			fieldEntries := compareItems(name, id, oldItem, newItem)
			if len(fieldEntries) > 0 {
				counts.Modified++
				entries = append(entries, fieldEntries...)
			}
		}
	}

	return entries, counts, nil
}

// compareItems emits one entry per changed field of a matched item pair.
func compareItems(section, id string, oldItem, newItem map[string]interface{}) []Entry {
	fields := make([]string, 0, len(oldItem)+len(newItem))
	seen := make(map[string]struct{}, len(oldItem)+len(newItem))
	for f := range oldItem {
		fields = append(fields, f)
		seen[f] = struct{}{}
	}
	for f := range newItem {
		if _, ok := seen[f]; !ok {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)

	var entries []Entry
	for _, field := range fields {
		if field == "id" {
			continue
		}
		oldVal := oldItem[field]
		newVal := newItem[field]
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		entries = append(entries, Entry{
			Section: section,
			ItemID:  id,
			Field:   field,
			Kind:    KindModified,
			Old:     oldVal,
			New:     newVal,
		})
	}
	return entries
}

// itemsByID normalizes a tracked collection into id-keyed JSON maps with
// bookkeeping fields stripped.
func itemsByID(items interface{}) (map[string]map[string]interface{}, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}

	out := make(map[string]map[string]interface{}, len(list))
	for i, item := range list {
		id, _ := item["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("item %d has no stable id", i)
		}
		for field := range bookkeepingFields {
			delete(item, field)
		}
		out[id] = item
	}
	return out, nil
}

func buildSummary(r Result) string {
	if r.Empty() {
		return NoChanges
	}

	var parts []string
	for _, section := range trackedSections {
		counts, ok := r.Details[section.name]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %d added, %d modified, %d removed.",
			section.label, counts.Added, counts.Modified, counts.Removed))
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}

	// Only top-level fields changed; fall back to naming them.
	names := make([]string, 0, len(r.Entries))
	seen := make(map[string]struct{}, len(r.Entries))
	for _, e := range r.Entries {
		name := e.Section
		if name == "" {
			name = e.Field
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return "Updated: " + strings.Join(names, ", ")
}
