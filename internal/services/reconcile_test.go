package services

import (
	"math/rand"
	"testing"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/pkg/mosqlimate"
)

func defaultCatalog() *Catalog {
	return NewCatalog(mosqlimate.DefaultMockModels(), mosqlimate.DefaultMockTags())
}

// abCatalog has model A{x,y} and model B{y,z}, all in multi-select groups
func abCatalog() *Catalog {
	tags := []models.Tag{
		{ID: 100, Name: "x", Group: "method"},
		{ID: 101, Name: "y", Group: "covariates"},
		{ID: 102, Name: "z", Group: "output"},
	}
	list := []models.ModelSummary{
		{ID: 1, Name: "A", Tags: []int{100, 101}},
		{ID: 2, Name: "B", Tags: []int{101, 102}},
		{ID: 3, Name: "C", Tags: []int{102}},
	}
	return NewCatalog(list, tags)
}

func sameOrder(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeselectModel_RemovesOnlyUnjustifiedTags(t *testing.T) {
	f := NewModelFilter(abCatalog(), nil, nil)
	if err := f.SelectModel(1); err != nil {
		t.Fatalf("SelectModel(A) failed: %v", err)
	}
	if err := f.SelectModel(2); err != nil {
		t.Fatalf("SelectModel(B) failed: %v", err)
	}
	if !models.SameIDs(f.Tags(), []int{100, 101, 102}) {
		t.Fatalf("expected union of tags, got %v", f.Tags())
	}

	if err := f.DeselectModel(1); err != nil {
		t.Fatalf("DeselectModel(A) failed: %v", err)
	}
	tags := f.Tags()
	if models.ContainsID(tags, 100) {
		t.Error("expected x removed with A")
	}
	if !models.ContainsID(tags, 101) || !models.ContainsID(tags, 102) {
		t.Errorf("expected y and z kept by B, got %v", tags)
	}
	if !sameOrder(f.Models(), []int{2}) {
		t.Errorf("expected only B selected, got %v", f.Models())
	}
}

func TestDeselectTag_UnselectsCarriersWithoutTouchingItself(t *testing.T) {
	f := NewModelFilter(abCatalog(), nil, nil)
	f.SelectModel(1)
	f.SelectModel(2)

	if err := f.DeselectTag(101); err != nil {
		t.Fatalf("DeselectTag failed: %v", err)
	}
	if len(f.Models()) != 0 {
		t.Errorf("expected both carriers unselected, got %v", f.Models())
	}
	if len(f.Tags()) != 0 {
		t.Errorf("expected every unjustified tag removed, got %v", f.Tags())
	}
	if len(f.Visible()) != 3 {
		t.Errorf("expected full catalog visible, got %v", f.Visible())
	}
}

func TestSelectTag_UniqueGroupReplacesSibling(t *testing.T) {
	f := NewModelFilter(defaultCatalog(), nil, nil)
	if err := f.SelectTag(mosqlimate.TagDengue); err != nil {
		t.Fatalf("SelectTag failed: %v", err)
	}
	if err := f.SelectTag(mosqlimate.TagZika); err != nil {
		t.Fatalf("SelectTag failed: %v", err)
	}

	active := 0
	for _, b := range f.Buttons() {
		if b.Group != "disease" {
			continue
		}
		if b.Active {
			active++
			if b.ID != mosqlimate.TagZika {
				t.Errorf("expected zika active, got %d", b.ID)
			}
		} else if !b.Disabled {
			t.Errorf("expected sibling %d disabled", b.ID)
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active disease tag, got %d", active)
	}
}

func TestSelectTag_UnselectsModelsLackingIt(t *testing.T) {
	f := NewModelFilter(defaultCatalog(), nil, nil)
	f.SelectModel(1) // LSTM
	f.SelectModel(3) // BayesCasting

	if err := f.SelectTag(mosqlimate.TagARIMA); err != nil {
		t.Fatalf("SelectTag failed: %v", err)
	}
	if len(f.Models()) != 0 {
		t.Errorf("expected both models dropped, got %v", f.Models())
	}
	if !sameOrder(f.Tags(), []int{mosqlimate.TagARIMA}) {
		t.Errorf("expected the dropped models' tags cleaned and ARIMA kept, got %v", f.Tags())
	}
	if !sameOrder(f.Visible(), []int{2, 5}) {
		t.Errorf("expected ARIMA models from the full catalog, got %v", f.Visible())
	}
}

func TestSelectTag_RefinesVisibleWhileModelsSelected(t *testing.T) {
	f := NewModelFilter(defaultCatalog(), nil, nil)
	f.SelectTag(mosqlimate.TagAdm1)
	f.SelectModel(2)

	// Model 4 carries adm1 but is dropped by the weekly tag of model 2
	if models.ContainsID(f.Visible(), 4) {
		t.Errorf("expected model 4 filtered out, got %v", f.Visible())
	}
	if !sameOrder(f.Visible(), []int{2}) {
		t.Errorf("expected refinement of previous list, got %v", f.Visible())
	}
}

func TestSelectModel_ConflictingUniqueTagReplaced(t *testing.T) {
	f := NewModelFilter(defaultCatalog(), nil, nil)
	f.SelectModel(1) // dengue, adm2
	if err := f.SelectModel(4); err != nil { // zika, adm1
		t.Fatalf("SelectModel failed: %v", err)
	}

	if !sameOrder(f.Models(), []int{4}) {
		t.Errorf("expected dengue model replaced, got %v", f.Models())
	}
	if models.ContainsID(f.Tags(), mosqlimate.TagDengue) || !models.ContainsID(f.Tags(), mosqlimate.TagZika) {
		t.Errorf("expected disease tag switched to zika, got %v", f.Tags())
	}
	if err := f.Check(); err != nil {
		t.Error(err)
	}
}

func TestSelectModel_SelectedFirstInVisible(t *testing.T) {
	f := NewModelFilter(defaultCatalog(), nil, nil)
	f.SelectModel(3)
	vis := f.Visible()
	if len(vis) == 0 || vis[0] != 3 {
		t.Errorf("expected selected model first, got %v", vis)
	}
	rows := f.VisibleModels()
	if !rows[0].Selected {
		t.Error("expected first row marked selected")
	}
}

func TestUnknownIDs(t *testing.T) {
	f := NewModelFilter(defaultCatalog(), nil, nil)
	if err := f.SelectTag(999); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected not found for tag, got %v", err)
	}
	if err := f.SelectModel(999); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected not found for model, got %v", err)
	}
	if err := f.DeselectTag(999); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected not found for tag, got %v", err)
	}
	if err := f.DeselectModel(999); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected not found for model, got %v", err)
	}
}

func TestNewModelFilter_RepairsPersistedSelection(t *testing.T) {
	tags := []int{mosqlimate.TagDengue, mosqlimate.TagZika, 999, mosqlimate.TagAdm2}
	f := NewModelFilter(defaultCatalog(), []int{1, 4, 777}, tags)

	if models.ContainsID(f.Tags(), mosqlimate.TagZika) || models.ContainsID(f.Tags(), 999) {
		t.Errorf("expected second disease tag and unknown tag dropped, got %v", f.Tags())
	}
	if !sameOrder(f.Models(), []int{1}) {
		t.Errorf("expected zika model dropped, got %v", f.Models())
	}
	if err := f.Check(); err != nil {
		t.Error(err)
	}
}

func TestIsUnique(t *testing.T) {
	c := defaultCatalog()
	if !c.IsUnique(mosqlimate.TagWeekly) {
		t.Error("expected time resolution to be unique")
	}
	if c.IsUnique(mosqlimate.TagLSTM) || c.IsUnique(12345) {
		t.Error("expected method and unknown tags to be multi-select")
	}
}

func TestReconciliation_RandomSequencesStayConsistent(t *testing.T) {
	c := defaultCatalog()
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		f := NewModelFilter(c, nil, nil)
		for step := 0; step < 25; step++ {
			tag := c.Tags[rng.Intn(len(c.Tags))].ID
			model := c.Models[rng.Intn(len(c.Models))].ID
			switch rng.Intn(4) {
			case 0:
				f.SelectTag(tag)
			case 1:
				f.DeselectTag(tag)
			case 2:
				f.SelectModel(model)
			case 3:
				f.DeselectModel(model)
			}
			if err := f.Check(); err != nil {
				t.Fatalf("run %d step %d: %v (models=%v tags=%v)", run, step, err, f.Models(), f.Tags())
			}
		}
	}
}
