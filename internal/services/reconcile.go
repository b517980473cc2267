package services

import (
	"sort"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
)

// UniqueTagGroups behave like radio buttons: at most one selected tag each
var UniqueTagGroups = map[string]bool{
	"disease":         true,
	"adm_level":       true,
	"time_resolution": true,
}

// Catalog is the model and tag universe of one dashboard
type Catalog struct {
	Models  []models.ModelSummary
	Tags    []models.Tag
	modelBy map[int]models.ModelSummary
	tagBy   map[int]models.Tag
}

// NewCatalog indexes models and tags. Tags are ordered by group then id.
func NewCatalog(list []models.ModelSummary, tags []models.Tag) *Catalog {
	c := &Catalog{
		Models:  list,
		Tags:    append([]models.Tag(nil), tags...),
		modelBy: make(map[int]models.ModelSummary, len(list)),
		tagBy:   make(map[int]models.Tag, len(tags)),
	}
	sort.SliceStable(c.Tags, func(i, j int) bool {
		if c.Tags[i].Group != c.Tags[j].Group {
			return c.Tags[i].Group < c.Tags[j].Group
		}
		return c.Tags[i].ID < c.Tags[j].ID
	})
	for _, m := range list {
		c.modelBy[m.ID] = m
	}
	for _, t := range c.Tags {
		c.tagBy[t.ID] = t
	}
	return c
}

// Model looks up a model by id
func (c *Catalog) Model(id int) (models.ModelSummary, bool) {
	m, ok := c.modelBy[id]
	return m, ok
}

// Tag looks up a tag by id
func (c *Catalog) Tag(id int) (models.Tag, bool) {
	t, ok := c.tagBy[id]
	return t, ok
}

// IsUnique reports whether tag id belongs to a unique group. Unknown tags
// are treated as multi-select.
func (c *Catalog) IsUnique(id int) bool {
	t, ok := c.tagBy[id]
	return ok && UniqueTagGroups[t.Group]
}

func (c *Catalog) group(id int) string {
	return c.tagBy[id].Group
}

// TagButton is the render state of one tag button
type TagButton struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Group    string `json:"group"`
	Active   bool   `json:"active"`
	Disabled bool   `json:"disabled"`
}

// ModelRow is one entry of the visible model list
type ModelRow struct {
	models.ModelSummary
	Selected bool `json:"selected"`
}

// ModelFilter keeps selected models and tags mutually consistent and
// derives the visible model list. It is not safe for concurrent use.
type ModelFilter struct {
	catalog *Catalog
	models  []int
	tags    []int
	visible []int
}

// NewModelFilter restores a selection against a catalog, dropping unknown
// ids and repairing any inconsistency.
func NewModelFilter(c *Catalog, modelIDs, tagIDs []int) *ModelFilter {
	f := &ModelFilter{catalog: c}
	for _, id := range modelIDs {
		if _, ok := c.Model(id); ok {
			f.models = models.AddID(f.models, id)
		}
	}
	seenGroup := make(map[string]bool)
	for _, id := range tagIDs {
		if _, ok := c.Tag(id); !ok {
			continue
		}
		if c.IsUnique(id) {
			g := c.group(id)
			if seenGroup[g] {
				continue
			}
			seenGroup[g] = true
		}
		f.tags = models.AddID(f.tags, id)
	}
	for _, id := range f.tags {
		if c.IsUnique(id) {
			f.dropModelsLacking(id)
		}
	}
	f.pruneUnjustified()
	f.visible = f.filter(f.allIDs())
	return f
}

// Models returns the selected model ids in selection order
func (f *ModelFilter) Models() []int {
	return append([]int{}, f.models...)
}

// Tags returns the selected tag ids in selection order
func (f *ModelFilter) Tags() []int {
	return append([]int{}, f.tags...)
}

// Visible returns the visible model ids
func (f *ModelFilter) Visible() []int {
	return append([]int{}, f.visible...)
}

// SelectTag adds a tag. A unique-group tag replaces its selected sibling.
// Selected models lacking the tag are unselected.
func (f *ModelFilter) SelectTag(id int) error {
	if _, ok := f.catalog.Tag(id); !ok {
		return errors.NotFoundf("tag %d not found", id)
	}
	if models.ContainsID(f.tags, id) {
		return nil
	}
	if f.catalog.IsUnique(id) {
		if sibling, ok := f.selectedSibling(id); ok {
			f.deselectTag(sibling)
		}
	}
	f.tags = append(f.tags, id)
	f.dropModelsLacking(id)

	base := f.allIDs()
	if len(f.models) > 0 {
		base = f.visible
	}
	f.visible = f.filter(base)
	return nil
}

// DeselectTag removes a tag and unselects every model carrying it
func (f *ModelFilter) DeselectTag(id int) error {
	if _, ok := f.catalog.Tag(id); !ok {
		return errors.NotFoundf("tag %d not found", id)
	}
	if !models.ContainsID(f.tags, id) {
		return nil
	}
	f.deselectTag(id)
	f.visible = f.filter(f.allIDs())
	return nil
}

// SelectModel adds a model and unions its tags into the selection
func (f *ModelFilter) SelectModel(id int) error {
	m, ok := f.catalog.Model(id)
	if !ok {
		return errors.NotFoundf("model %d not found", id)
	}
	if models.ContainsID(f.models, id) {
		return nil
	}
	f.models = append(f.models, id)

	// A selected unique tag the model cannot satisfy is dropped
	for _, tagID := range f.Tags() {
		if !f.catalog.IsUnique(tagID) || m.HasTag(tagID) {
			continue
		}
		if !f.hasTagInGroup(m, f.catalog.group(tagID)) {
			f.deselectTag(tagID)
		}
	}

	for _, tagID := range m.Tags {
		if _, known := f.catalog.Tag(tagID); !known || models.ContainsID(f.tags, tagID) {
			continue
		}
		if f.catalog.IsUnique(tagID) {
			if sibling, ok := f.selectedSibling(tagID); ok {
				f.deselectTag(sibling)
			}
			f.tags = append(f.tags, tagID)
			f.dropModelsLacking(tagID)
			continue
		}
		f.tags = append(f.tags, tagID)
	}
	f.pruneUnjustified()
	f.visible = f.filter(f.visible)
	return nil
}

// DeselectModel removes a model and every tag no remaining model carries
func (f *ModelFilter) DeselectModel(id int) error {
	if _, ok := f.catalog.Model(id); !ok {
		return errors.NotFoundf("model %d not found", id)
	}
	if !models.ContainsID(f.models, id) {
		return nil
	}
	f.unselectModel(id, 0)
	f.visible = f.filter(f.allIDs())
	return nil
}

// deselectTag unselects the models carrying id, cleaning their other tags
// but never id itself, then removes id.
func (f *ModelFilter) deselectTag(id int) {
	for _, modelID := range f.Models() {
		if m, _ := f.catalog.Model(modelID); m.HasTag(id) {
			f.unselectModel(modelID, id)
		}
	}
	f.tags = models.RemoveID(f.tags, id)
}

// dropModelsLacking unselects every selected model without tag id, keeping id
func (f *ModelFilter) dropModelsLacking(id int) {
	for _, modelID := range f.Models() {
		if m, _ := f.catalog.Model(modelID); !m.HasTag(id) {
			f.unselectModel(modelID, id)
		}
	}
}

// unselectModel removes a model and each of its tags that no remaining
// model carries. keep (when non-zero) is never removed.
func (f *ModelFilter) unselectModel(id, keep int) {
	f.models = models.RemoveID(f.models, id)
	m, _ := f.catalog.Model(id)
	for _, tagID := range m.Tags {
		if tagID == keep || !models.ContainsID(f.tags, tagID) {
			continue
		}
		if !f.carried(tagID) {
			f.tags = models.RemoveID(f.tags, tagID)
		}
	}
}

// pruneUnjustified removes tags no selected model carries. It only applies
// while models are selected; with none, tags act as plain filters.
func (f *ModelFilter) pruneUnjustified() {
	if len(f.models) == 0 {
		return
	}
	for _, tagID := range f.Tags() {
		if !f.carried(tagID) {
			f.tags = models.RemoveID(f.tags, tagID)
		}
	}
}

func (f *ModelFilter) carried(tagID int) bool {
	for _, modelID := range f.models {
		if m, _ := f.catalog.Model(modelID); m.HasTag(tagID) {
			return true
		}
	}
	return false
}

func (f *ModelFilter) selectedSibling(id int) (int, bool) {
	g := f.catalog.group(id)
	for _, tagID := range f.tags {
		if tagID != id && f.catalog.group(tagID) == g {
			return tagID, true
		}
	}
	return 0, false
}

func (f *ModelFilter) hasTagInGroup(m models.ModelSummary, group string) bool {
	for _, tagID := range m.Tags {
		if t, ok := f.catalog.Tag(tagID); ok && t.Group == group {
			return true
		}
	}
	return false
}

func (f *ModelFilter) allIDs() []int {
	ids := make([]int, len(f.catalog.Models))
	for i, m := range f.catalog.Models {
		ids[i] = m.ID
	}
	return ids
}

// filter keeps models of base that carry every selected tag, and puts the
// selected models first in selection order
func (f *ModelFilter) filter(base []int) []int {
	out := append([]int{}, f.models...)
	for _, id := range base {
		if models.ContainsID(f.models, id) {
			continue
		}
		m, ok := f.catalog.Model(id)
		if !ok {
			continue
		}
		match := true
		for _, tagID := range f.tags {
			if !m.HasTag(tagID) {
				match = false
				break
			}
		}
		if match {
			out = append(out, id)
		}
	}
	return out
}

// Buttons returns every catalog tag with its active/disabled state. Siblings
// of a selected unique-group tag are disabled.
func (f *ModelFilter) Buttons() []TagButton {
	lockedGroups := make(map[string]int)
	for _, id := range f.tags {
		if f.catalog.IsUnique(id) {
			lockedGroups[f.catalog.group(id)] = id
		}
	}
	out := make([]TagButton, 0, len(f.catalog.Tags))
	for _, t := range f.catalog.Tags {
		active := models.ContainsID(f.tags, t.ID)
		selected, locked := lockedGroups[t.Group]
		out = append(out, TagButton{
			ID:       t.ID,
			Name:     t.Name,
			Group:    t.Group,
			Active:   active,
			Disabled: locked && selected != t.ID,
		})
	}
	return out
}

// VisibleModels returns the visible model rows
func (f *ModelFilter) VisibleModels() []ModelRow {
	out := make([]ModelRow, 0, len(f.visible))
	for _, id := range f.visible {
		m, ok := f.catalog.Model(id)
		if !ok {
			continue
		}
		out = append(out, ModelRow{ModelSummary: m, Selected: models.ContainsID(f.models, id)})
	}
	return out
}

// Check verifies the reconciliation invariants and returns the first
// violation found
func (f *ModelFilter) Check() error {
	groups := make(map[string]int)
	for _, id := range f.tags {
		if f.catalog.IsUnique(id) {
			g := f.catalog.group(id)
			if prev, ok := groups[g]; ok {
				return errors.Conflictf("tags %d and %d both selected in group %s", prev, id, g)
			}
			groups[g] = id
		}
	}
	for _, modelID := range f.models {
		m, _ := f.catalog.Model(modelID)
		for _, tagID := range groups {
			if !m.HasTag(tagID) {
				return errors.Conflictf("model %d lacks selected tag %d", modelID, tagID)
			}
		}
	}
	if len(f.models) > 0 {
		for _, tagID := range f.tags {
			if !f.carried(tagID) {
				return errors.Conflictf("tag %d is not carried by any selected model", tagID)
			}
		}
	}
	return nil
}
