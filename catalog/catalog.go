// Package catalog holds the lookup tables shared by extraction, unit-code
// generation and notifications: region zones, condition codes, keyword
// tables and the approved employee and feature lists.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultYAML []byte

type Entry struct {
	Name     string   `yaml:"name"`
	Code     int      `yaml:"code"`
	Keywords []string `yaml:"keywords"`
}

type Defaults struct {
	Availability string `yaml:"availability"`
	PhotosStatus string `yaml:"photos_status"`
}

type Tags struct {
	Success   string `yaml:"success"`
	Failed    string `yaml:"failed"`
	Duplicate string `yaml:"duplicate"`
	Multiple  string `yaml:"multiple"`
}

// All returns the tags in a stable order.
func (t Tags) All() []string {
	return []string{t.Success, t.Failed, t.Duplicate, t.Multiple}
}

type Catalog struct {
	UnitCodePrefix string           `yaml:"unit_code_prefix"`
	DefaultZone    int              `yaml:"default_zone"`
	Zones          map[int][]string `yaml:"zones"`
	Conditions     []Entry          `yaml:"conditions"`
	UnitTypes      []Entry          `yaml:"unit_types"`
	Availability   []string         `yaml:"availability"`
	Photos         []string         `yaml:"photos"`
	Floors         []Entry          `yaml:"floors"`
	Employees      []string         `yaml:"employees"`
	Features       []string         `yaml:"features"`
	Defaults       Defaults         `yaml:"defaults"`
	Tags           Tags             `yaml:"tags"`

	regionZone map[string]int
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog override from path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.regionZone = make(map[string]int)
	for zone, regions := range c.Zones {
		for _, r := range regions {
			c.regionZone[Normalize(r)] = zone
		}
	}
	return &c, nil
}

// Validate checks the tables are complete enough to drive the pipeline.
func (c *Catalog) Validate() error {
	var problems []string
	if c.UnitCodePrefix == "" {
		problems = append(problems, "unit_code_prefix is empty")
	}
	if len(c.Zones) == 0 {
		problems = append(problems, "no zones")
	}
	if _, ok := c.Zones[c.DefaultZone]; !ok {
		problems = append(problems, fmt.Sprintf("default zone %d not in zones", c.DefaultZone))
	}
	if len(c.Conditions) == 0 {
		problems = append(problems, "no conditions")
	}
	for _, cond := range c.Conditions {
		if cond.Code <= 0 {
			problems = append(problems, fmt.Sprintf("condition %q has no code", cond.Name))
		}
	}
	if len(c.UnitTypes) == 0 {
		problems = append(problems, "no unit types")
	}
	if c.Defaults.Availability == "" || c.Defaults.PhotosStatus == "" {
		problems = append(problems, "defaults incomplete")
	}
	if c.Tags.Success == "" || c.Tags.Failed == "" || c.Tags.Duplicate == "" || c.Tags.Multiple == "" {
		problems = append(problems, "tags incomplete")
	}
	seen := make(map[string]int)
	for zone, regions := range c.Zones {
		for _, r := range regions {
			key := Normalize(r)
			if prev, ok := seen[key]; ok && prev != zone {
				problems = append(problems, fmt.Sprintf("region %q in zones %d and %d", r, prev, zone))
			}
			seen[key] = zone
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid catalog: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Zone maps a region to its zone, falling back to the default zone.
func (c *Catalog) Zone(region string) int {
	if z, ok := c.regionZone[Normalize(region)]; ok {
		return z
	}
	return c.DefaultZone
}

// ConditionCode returns the unit-code digit for a condition, 0 if unknown.
func (c *Catalog) ConditionCode(condition string) int {
	key := Normalize(condition)
	for _, e := range c.Conditions {
		if Normalize(e.Name) == key {
			return e.Code
		}
	}
	return 0
}

// Regions lists every known region, longest first so that more specific
// names win keyword matching.
func (c *Catalog) Regions() []string {
	var out []string
	for _, regions := range c.Zones {
		out = append(out, regions...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len([]rune(out[i])) != len([]rune(out[j])) {
			return len([]rune(out[i])) > len([]rune(out[j]))
		}
		return out[i] < out[j]
	})
	return out
}

func (c *Catalog) UnitTypeNames() []string  { return names(c.UnitTypes) }
func (c *Catalog) ConditionNames() []string { return names(c.Conditions) }

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// MatchRegion finds the first known region mentioned in text.
func (c *Catalog) MatchRegion(text string) string {
	norm := Normalize(text)
	for _, r := range c.Regions() {
		if strings.Contains(norm, Normalize(r)) {
			return r
		}
	}
	return ""
}

// MatchUnitType finds the first unit type whose keyword appears in text as a
// whole word, so "فيلات" in a region name is not read as "فيلا".
func (c *Catalog) MatchUnitType(text string) string {
	return matchEntries(c.UnitTypes, text, true)
}

// WithoutRegion returns the normalized text with the first mention of region
// removed, so region names do not feed the type and floor tables.
func WithoutRegion(text, region string) string {
	norm := Normalize(text)
	if region == "" {
		return norm
	}
	return strings.Replace(norm, Normalize(region), " ", 1)
}

// MatchCondition prefers the longest keyword so "نصف مفروش" beats "مفروش"
// and "غير مفروش" is not read as furnished.
func (c *Catalog) MatchCondition(text string) string {
	norm := Normalize(text)
	best, bestLen := "", 0
	for _, e := range c.Conditions {
		for _, kw := range e.Keywords {
			k := Normalize(kw)
			if l := len([]rune(k)); l > bestLen && strings.Contains(norm, k) {
				best, bestLen = e.Name, l
			}
		}
	}
	return best
}

// MatchFloor matches floor keywords as whole words.
func (c *Catalog) MatchFloor(text string) string {
	return matchEntries(c.Floors, text, true)
}

// MatchEmployee returns the longest approved employee name found in text.
func (c *Catalog) MatchEmployee(text string) string {
	norm := Normalize(text)
	words := wordSet(norm)
	best := ""
	for _, name := range c.Employees {
		n := Normalize(name)
		found := false
		if strings.Contains(n, " ") {
			found = strings.Contains(norm, n)
		} else {
			found = words[n]
		}
		if found && len([]rune(name)) > len([]rune(best)) {
			best = name
		}
	}
	return best
}

// MatchFeatures returns approved features mentioned in text, in catalog order.
func (c *Catalog) MatchFeatures(text string) []string {
	norm := Normalize(text)
	var out []string
	for _, f := range c.Features {
		if strings.Contains(norm, Normalize(f)) {
			out = append(out, f)
		}
	}
	return out
}

// IsTagged reports whether text already carries one of the terminal tags.
func (c *Catalog) IsTagged(text string) bool {
	for _, tag := range c.Tags.All() {
		if tag != "" && strings.Contains(text, tag) {
			return true
		}
	}
	return false
}

func matchEntries(entries []Entry, text string, wholeWord bool) string {
	norm := Normalize(text)
	words := wordSet(norm)
	for _, e := range entries {
		for _, kw := range e.Keywords {
			k := Normalize(kw)
			if wholeWord && !strings.Contains(k, " ") {
				if hasWord(words, k) {
					return e.Name
				}
				continue
			}
			if strings.Contains(norm, k) {
				return e.Name
			}
		}
	}
	return ""
}

// proclitics are the attached prefixes a keyword may carry ("الشقه", "والفيلا").
var proclitics = []string{"", "ال", "و", "وال", "ب", "بال", "لل", "ل", "ف", "فال"}

func hasWord(words map[string]bool, k string) bool {
	for _, p := range proclitics {
		if words[p+k] {
			return true
		}
	}
	return false
}

func wordSet(s string) map[string]bool {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

var letterFolds = strings.NewReplacer(
	"أ", "ا", "إ", "ا", "آ", "ا",
	"ة", "ه", "ى", "ي",
	"ـ", "",
)

// Normalize folds common Arabic spelling variants for keyword comparison.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = letterFolds.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
