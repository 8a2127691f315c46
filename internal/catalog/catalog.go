// Package catalog holds the static station catalogue and the exam-type
// route table. Both are read once at startup from YAML and never change
// while the process runs.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iliyamo/clinic-flow/internal/model"
)

//go:embed default.yaml
var defaultYAML []byte

// file mirrors the YAML document layout.
type file struct {
	Stations []model.Station                `yaml:"stations"`
	Routes   map[string]map[string][]string `yaml:"routes"`
}

// Catalog is the validated, read-only view over the YAML document.
type Catalog struct {
	stations map[string]model.Station
	order    []string                             // declaration order
	routes   map[string]map[model.Gender][]string // examType → gender → station IDs
}

// Default parses the embedded catalogue.
func Default() (*Catalog, error) { return Parse(defaultYAML) }

// Load reads a catalogue from path, falling back to the embedded
// default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a YAML document. Station IDs must be unique, weights
// non-negative and every route must only reference known stations that
// accept the route's gender.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	if len(f.Stations) == 0 {
		return nil, fmt.Errorf("catalog: no stations defined")
	}

	c := &Catalog{
		stations: make(map[string]model.Station, len(f.Stations)),
		routes:   make(map[string]map[model.Gender][]string, len(f.Routes)),
	}
	for _, s := range f.Stations {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("catalog: station with empty id")
		}
		if _, dup := c.stations[s.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate station %q", s.ID)
		}
		if s.BaseWeight < 0 {
			return nil, fmt.Errorf("catalog: station %q has negative weight", s.ID)
		}
		if s.Capacity < 1 {
			s.Capacity = 1
		}
		switch s.GenderConstraint {
		case "":
			s.GenderConstraint = model.GenderMixed
		case model.GenderMixed, model.GenderMale, model.GenderFemale:
		default:
			return nil, fmt.Errorf("catalog: station %q has unknown gender %q", s.ID, s.GenderConstraint)
		}
		if s.DisplayName == "" {
			s.DisplayName = s.ID
		}
		c.stations[s.ID] = s
		c.order = append(c.order, s.ID)
	}

	for exam, byGender := range f.Routes {
		exam = strings.ToLower(strings.TrimSpace(exam))
		c.routes[exam] = make(map[model.Gender][]string, len(byGender))
		for g, ids := range byGender {
			gender, ok := model.NormalizeGender(g)
			if !ok {
				return nil, fmt.Errorf("catalog: route %s has unknown gender %q", exam, g)
			}
			if len(ids) == 0 {
				return nil, fmt.Errorf("catalog: route %s/%s is empty", exam, gender)
			}
			seen := make(map[string]bool, len(ids))
			for _, id := range ids {
				st, ok := c.stations[id]
				if !ok {
					return nil, fmt.Errorf("catalog: route %s/%s references unknown station %q", exam, gender, id)
				}
				if seen[id] {
					return nil, fmt.Errorf("catalog: route %s/%s lists %q twice", exam, gender, id)
				}
				if !st.Accepts(gender) {
					return nil, fmt.Errorf("catalog: route %s/%s includes %s station %q", exam, gender, st.GenderConstraint, id)
				}
				seen[id] = true
			}
			c.routes[exam][gender] = slices.Clone(ids)
		}
	}
	return c, nil
}

// Station looks up a station by ID.
func (c *Catalog) Station(id string) (model.Station, bool) {
	s, ok := c.stations[id]
	return s, ok
}

// Stations returns every station in declaration order.
func (c *Catalog) Stations() []model.Station {
	out := make([]model.Station, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.stations[id])
	}
	return out
}

// ActiveStationIDs returns the IDs of active stations in declaration order.
func (c *Catalog) ActiveStationIDs() []string {
	out := make([]string, 0, len(c.order))
	for _, id := range c.order {
		if c.stations[id].IsActive {
			out = append(out, id)
		}
	}
	return out
}

// Route returns a copy of the fixed station sequence for an exam type
// and gender.
func (c *Catalog) Route(examType string, g model.Gender) ([]string, bool) {
	byGender, ok := c.routes[strings.ToLower(strings.TrimSpace(examType))]
	if !ok {
		return nil, false
	}
	ids, ok := byGender[g]
	if !ok {
		return nil, false
	}
	return slices.Clone(ids), true
}

// ExamTypes lists known exam types, sorted.
func (c *Catalog) ExamTypes() []string {
	out := make([]string, 0, len(c.routes))
	for exam := range c.routes {
		out = append(out, exam)
	}
	sort.Strings(out)
	return out
}
