package services

import (
	"sort"
	"time"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/models"
)

// DefaultLevel is the admin level a fresh dashboard starts at
const DefaultLevel = models.AdmMunicipality

// RegionOption is one entry of a region selector
type RegionOption struct {
	Geocode string `json:"geocode"`
	Name    string `json:"name"`
}

// FilterOptions lists what every filter selector can offer
type FilterOptions struct {
	Diseases        []models.Disease        `json:"diseases"`
	Levels          []models.AdmLevel       `json:"levels"`
	Countries       []RegionOption          `json:"countries"`
	States          []RegionOption          `json:"states"`
	Cities          []RegionOption          `json:"cities"`
	Sprints         []int                   `json:"sprints"`
	Metrics         []models.ScoreMetric    `json:"metrics"`
	CaseDefinitions []models.CaseDefinition `json:"case_definitions"`
}

// FilterChange is a partial update of the filter fields. Nil fields are
// left alone. Fields are applied in declaration order.
type FilterChange struct {
	Disease         *string                `json:"disease,omitempty"`
	AdmLevel        *models.AdmLevel       `json:"adm_level,omitempty"`
	Adm1            *string                `json:"adm_1,omitempty"`
	Adm2            *string                `json:"adm_2,omitempty"`
	StartWindowDate *string                `json:"start_window_date,omitempty"`
	EndWindowDate   *string                `json:"end_window_date,omitempty"`
	Sprint          *bool                  `json:"sprint,omitempty"`
	CaseDefinition  *models.CaseDefinition `json:"case_definition,omitempty"`
}

// Empty reports whether the change touches nothing
func (c FilterChange) Empty() bool {
	return c.Disease == nil && c.AdmLevel == nil && c.Adm1 == nil && c.Adm2 == nil &&
		c.StartWindowDate == nil && c.EndWindowDate == nil && c.Sprint == nil && c.CaseDefinition == nil
}

func uniqueSorted(values map[string]bool) []string {
	out := make([]string, 0, len(values))
	for v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// countryCodes lists the countries of level 0 predictions
func countryCodes(known []models.PredictionSummary) []string {
	set := make(map[string]bool)
	for _, p := range known {
		if p.AdmLevel == models.AdmCountry {
			set[p.Adm0] = true
		}
	}
	return uniqueSorted(set)
}

// stateCodes lists the states of predictions made at level
func stateCodes(known []models.PredictionSummary, level models.AdmLevel) []string {
	set := make(map[string]bool)
	for _, p := range known {
		if p.AdmLevel == level {
			set[p.Adm1] = true
		}
	}
	return uniqueSorted(set)
}

// cityCodes lists the municipalities under adm1 of predictions made at level
func cityCodes(known []models.PredictionSummary, level models.AdmLevel, adm1 string) []string {
	set := make(map[string]bool)
	for _, p := range known {
		if p.AdmLevel == level && p.Adm1 == adm1 {
			set[p.Adm2] = true
		}
	}
	return uniqueSorted(set)
}

func hasOptions(known []models.PredictionSummary, level models.AdmLevel) bool {
	for _, p := range known {
		if p.AdmLevel == level {
			return true
		}
	}
	return false
}

// AvailableLevels lists levels that have at least one known prediction
func AvailableLevels(known []models.PredictionSummary) []models.AdmLevel {
	var out []models.AdmLevel
	for l := models.AdmCountry; l <= models.AdmSubMunicipal; l++ {
		if hasOptions(known, l) {
			out = append(out, l)
		}
	}
	return out
}

// ResolveLevel returns want if it has options, else the nearest level that
// does, looking one down, one up, two down, two up and so on. With no known
// predictions want is returned unchanged.
func ResolveLevel(known []models.PredictionSummary, want models.AdmLevel) models.AdmLevel {
	if len(known) == 0 || hasOptions(known, want) {
		return want
	}
	for d := models.AdmLevel(1); d <= models.AdmSubMunicipal; d++ {
		for _, l := range []models.AdmLevel{want - d, want + d} {
			if l.Valid() && hasOptions(known, l) {
				return l
			}
		}
	}
	return want
}

func pick(current string, options []string) string {
	for _, o := range options {
		if o == current {
			return current
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return ""
}

// ApplyLevel sets the level and revalidates the region fields below it.
// Regions still offered at the new level are kept, others fall back to the
// first option.
func ApplyLevel(st *models.DashboardState, known []models.PredictionSummary, level models.AdmLevel) error {
	if !level.Valid() {
		return errors.Validationf("adm_level %d out of range", level)
	}
	level = ResolveLevel(known, level)
	st.AdmLevel = models.Level(level)

	if len(known) == 0 {
		st.Adm1, st.Adm2 = "", ""
		return nil
	}
	switch level {
	case models.AdmCountry:
		st.Adm0 = pick(st.Adm0, countryCodes(known))
		st.Adm1, st.Adm2 = "", ""
	case models.AdmState:
		st.Adm1 = pick(st.Adm1, stateCodes(known, level))
		st.Adm2 = ""
	default:
		st.Adm1 = pick(st.Adm1, stateCodes(known, level))
		st.Adm2 = pick(st.Adm2, cityCodes(known, level, st.Adm1))
	}
	return nil
}

// StateOf derives the state geocode from a municipality geocode
func StateOf(adm2 string) string {
	if len(adm2) < 2 {
		return ""
	}
	return adm2[:2]
}

// SetRegion updates adm_1 and/or adm_2. Setting adm_2 derives adm_1 from
// its prefix. Values are checked against the options only when predictions
// are known.
func SetRegion(st *models.DashboardState, known []models.PredictionSummary, adm1, adm2 *string) error {
	level, ok := st.Level()
	if !ok {
		return errors.Incompletef("adm_level must be set before a region")
	}
	if level == models.AdmCountry && (adm1 != nil && *adm1 != "" || adm2 != nil && *adm2 != "") {
		return errors.Validationf("adm_level 0 takes no state or city")
	}
	if adm2 != nil && *adm2 != "" && level < models.AdmMunicipality {
		return errors.Validationf("adm_level %d takes no city", level)
	}

	if adm1 != nil {
		if *adm1 != "" && len(known) > 0 && !contains(stateCodes(known, level), *adm1) {
			return errors.Validationf("state %s has no predictions at adm_level %d", *adm1, level)
		}
		if st.Adm1 != *adm1 {
			st.Adm1 = *adm1
			if adm2 == nil && level >= models.AdmMunicipality {
				st.Adm2 = pick("", cityCodes(known, level, st.Adm1))
			}
		}
	}
	if adm2 != nil {
		if *adm2 == "" {
			st.Adm2 = ""
			return nil
		}
		parent := StateOf(*adm2)
		if len(known) > 0 && !contains(cityCodes(known, level, parent), *adm2) {
			return errors.Validationf("city %s has no predictions at adm_level %d", *adm2, level)
		}
		st.Adm1 = parent
		st.Adm2 = *adm2
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ValidateWindow checks both bounds are ISO dates with start <= end
func ValidateWindow(start, end string) error {
	s, err := time.Parse(models.DateLayout, start)
	if err != nil {
		return errors.Validationf("start_window_date %q is not YYYY-MM-DD", start)
	}
	e, err := time.Parse(models.DateLayout, end)
	if err != nil {
		return errors.Validationf("end_window_date %q is not YYYY-MM-DD", end)
	}
	if s.After(e) {
		return errors.Validationf("window start %s is after end %s", start, end)
	}
	return nil
}

// ApplyFilterChange applies every non-nil field of ch to st. known must
// already belong to the resulting disease.
func ApplyFilterChange(st *models.DashboardState, ch FilterChange, known []models.PredictionSummary) error {
	if ch.Disease != nil {
		st.Disease = *ch.Disease
		// revalidate regions against the new disease
		if level, ok := st.Level(); ok && ch.AdmLevel == nil {
			if err := ApplyLevel(st, known, level); err != nil {
				return err
			}
		}
	}
	if ch.AdmLevel != nil {
		if err := ApplyLevel(st, known, *ch.AdmLevel); err != nil {
			return err
		}
	}
	if ch.Adm1 != nil || ch.Adm2 != nil {
		if err := SetRegion(st, known, ch.Adm1, ch.Adm2); err != nil {
			return err
		}
	}
	if ch.StartWindowDate != nil || ch.EndWindowDate != nil {
		start, end := st.StartWindowDate, st.EndWindowDate
		if ch.StartWindowDate != nil {
			start = *ch.StartWindowDate
		}
		if ch.EndWindowDate != nil {
			end = *ch.EndWindowDate
		}
		if err := ValidateWindow(start, end); err != nil {
			return err
		}
		st.StartWindowDate, st.EndWindowDate = start, end
	}
	if ch.Sprint != nil {
		st.Sprint = *ch.Sprint
	}
	if ch.CaseDefinition != nil {
		if !ch.CaseDefinition.Valid() {
			return errors.Validationf("unknown case_definition %q", *ch.CaseDefinition)
		}
		st.CaseDefinition = *ch.CaseDefinition
	}
	return nil
}

// BuildOptions resolves region selectors for st with display names from
// names. Unnamed geocodes are shown as-is.
func BuildOptions(st models.DashboardState, known []models.PredictionSummary, names map[string]string) FilterOptions {
	opts := FilterOptions{
		Levels:          AvailableLevels(known),
		Countries:       []RegionOption{},
		States:          []RegionOption{},
		Cities:          []RegionOption{},
		Metrics:         models.ScoreMetrics,
		CaseDefinitions: []models.CaseDefinition{models.CasesReported, models.CasesProbable},
	}
	named := func(codes []string) []RegionOption {
		out := make([]RegionOption, 0, len(codes))
		for _, c := range codes {
			name := names[c]
			if name == "" {
				name = c
			}
			out = append(out, RegionOption{Geocode: c, Name: name})
		}
		return out
	}
	level, ok := st.Level()
	if !ok {
		return opts
	}
	switch level {
	case models.AdmCountry:
		opts.Countries = named(countryCodes(known))
	case models.AdmState:
		opts.States = named(stateCodes(known, level))
	default:
		opts.States = named(stateCodes(known, level))
		opts.Cities = named(cityCodes(known, level, st.Adm1))
	}
	return opts
}

// geocodesByLevel groups every geocode of known predictions by the admin
// level used to name it
func geocodesByLevel(known []models.PredictionSummary) map[models.AdmLevel][]string {
	sets := map[models.AdmLevel]map[string]bool{
		models.AdmCountry:      {},
		models.AdmState:        {},
		models.AdmMunicipality: {},
	}
	for _, p := range known {
		sets[models.AdmCountry][p.Adm0] = true
		if p.AdmLevel >= models.AdmState {
			sets[models.AdmState][p.Adm1] = true
		}
		if p.AdmLevel >= models.AdmMunicipality {
			sets[models.AdmMunicipality][p.Adm2] = true
		}
	}
	out := make(map[models.AdmLevel][]string, len(sets))
	for l, set := range sets {
		if codes := uniqueSorted(set); len(codes) > 0 {
			out[l] = codes
		}
	}
	return out
}
