package catalog

import (
	"strings"
	"testing"

	"github.com/iliyamo/clinic-flow/internal/model"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	if got := len(c.Stations()); got != 13 {
		t.Fatalf("expected 13 stations, got %d", got)
	}
	lab, ok := c.Station("lab")
	if !ok || lab.BaseWeight != 1.2 || lab.Capacity != 1 {
		t.Fatalf("unexpected lab station: %+v", lab)
	}
	male, ok := c.Route("recruitment", model.GenderMale)
	if !ok || len(male) != 13 || male[len(male)-1] != "bones" {
		t.Fatalf("unexpected male recruitment route: %v", male)
	}
	female, _ := c.Route("Recruitment", model.GenderFemale)
	for _, id := range female {
		if id == "bones" {
			t.Fatalf("female recruitment route must not include bones")
		}
	}
	if _, ok := c.Route("astronaut", model.GenderMale); ok {
		t.Fatalf("expected unknown exam type to be absent")
	}
}

func TestRouteReturnsCopy(t *testing.T) {
	c, _ := Default()
	r, _ := c.Route("renewal", model.GenderMale)
	r[0] = "tampered"
	again, _ := c.Route("renewal", model.GenderMale)
	if again[0] != "vitals" {
		t.Fatalf("route table was mutated through a returned slice")
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
stations:
  - {id: a, active: true}
  - {id: a, active: true}
`,
		"unknown station": `
stations:
  - {id: a, active: true}
routes:
  x:
    male: [a, b]
`,
		"negative weight": `
stations:
  - {id: a, weight: -1}
`,
		"gender conflict": `
stations:
  - {id: a, gender: female}
routes:
  x:
    male: [a]
`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(strings.TrimSpace(`
stations:
  - {id: a, active: true}
  - {id: b}
`)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a, _ := c.Station("a")
	if a.Capacity != 1 || a.GenderConstraint != model.GenderMixed || a.DisplayName != "a" {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if ids := c.ActiveStationIDs(); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected only a to be active, got %v", ids)
	}
}
