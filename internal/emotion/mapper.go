// Package emotion extracts inline emotion tags from reply text and turns
// them into avatar motion triggers.
package emotion

import (
	_ "embed"
	"os"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed default_table.yaml
var defaultTable []byte

var tagPattern = regexp.MustCompile(`<([^>]+)>`)

// Table maps emotion tags to motion indices within Group.
type Table struct {
	Group    string         `yaml:"group"`
	Emotions map[string]int `yaml:"emotions"`
}

// DefaultTable is the built-in mapping.
func DefaultTable() Table {
	t, err := parseTable(defaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadTable reads a YAML table from path, or returns the default when
// path is empty.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, errors.Wrap(err, "read emotion table")
	}
	return parseTable(b)
}

func parseTable(b []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Table{}, errors.Wrap(err, "parse emotion table")
	}
	if t.Group == "" {
		t.Group = "TapBody"
	}
	return t, nil
}

// Marker is an emotion trigger at a rune offset of the tag-free text.
type Marker struct {
	Position int
	Emotion  string
	Motion   int
}

// Animator plays a motion on the avatar.
type Animator interface {
	TriggerMotion(group string, index int)
}

// Mapper is the animation collaborator wired into the voice engine.
type Mapper struct {
	table    Table
	animator Animator
	log      zerolog.Logger
}

func NewMapper(table Table, animator Animator, log zerolog.Logger) *Mapper {
	return &Mapper{table: table, animator: animator, log: log}
}

// Prepare removes every <tag> from text and returns markers for the
// known ones, positioned in runes of the cleaned text.
func (m *Mapper) Prepare(text string) (string, []Marker) {
	locs := tagPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, nil
	}
	var (
		clean   []byte
		markers []Marker
		last    int
	)
	for _, loc := range locs {
		clean = append(clean, text[last:loc[0]]...)
		name := text[loc[2]:loc[3]]
		if idx, ok := m.table.Emotions[name]; ok {
			markers = append(markers, Marker{Position: utf8.RuneCount(clean), Emotion: name, Motion: idx})
		}
		last = loc[1]
	}
	clean = append(clean, text[last:]...)
	return string(clean), markers
}

// Play triggers the marker's motion.
func (m *Mapper) Play(mk Marker) {
	m.log.Debug().Str("emotion", mk.Emotion).Int("motion", mk.Motion).Msg("emotion motion")
	if m.animator != nil {
		m.animator.TriggerMotion(m.table.Group, mk.Motion)
	}
}

// StripTags removes <tag> markup without producing markers.
func StripTags(text string) string { return tagPattern.ReplaceAllString(text, "") }

// Cue follows one segment's markers as the reveal cursor advances. Each
// marker is returned once, in position order.
type Cue struct {
	pending   []Marker
	tolerance int
}

func NewCue(markers []Marker, tolerance int) *Cue {
	p := append([]Marker(nil), markers...)
	sort.SliceStable(p, func(i, j int) bool { return p[i].Position < p[j].Position })
	return &Cue{pending: p, tolerance: tolerance}
}

// Advance returns the next marker due at cursor. A marker is due once the
// cursor reaches its position; late reports that the cursor had already
// moved past the tolerance window, which happens when reveal ticks are
// coarser than the text.
func (c *Cue) Advance(cursor int) (mk Marker, late, ok bool) {
	if len(c.pending) == 0 || c.pending[0].Position > cursor {
		return Marker{}, false, false
	}
	mk = c.pending[0]
	c.pending = c.pending[1:]
	return mk, cursor > mk.Position+c.tolerance, true
}

// Flush returns the markers never reached, emptying the cue.
func (c *Cue) Flush() []Marker {
	out := c.pending
	c.pending = nil
	return out
}

func (c *Cue) Len() int { return len(c.pending) }
