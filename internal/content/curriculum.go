package content

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"stitch-pipeline/internal/pipeline"

	"gopkg.in/yaml.v3"
)

// Concept kinds understood by the Assembler.
const (
	KindTimes = "times"
	KindAdd   = "add"
)

var (
	// ErrUnknownConcept is returned for a content id whose concept is not in
	// the curriculum.
	ErrUnknownConcept = errors.New("unknown concept")
	// ErrInvalidContentID is returned for ids not of the form <concept>/<n>.
	ErrInvalidContentID = errors.New("invalid content id")
)

// Concept is one fact family, e.g. the 7 times table.
type Concept struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"`
	Operand int    `yaml:"operand"`
	// Units is how many distinct stitches the concept yields before the
	// tube moves on.
	Units int `yaml:"units"`
}

// Tube is the ordered concept list of one channel.
type Tube struct {
	Channel  int       `yaml:"channel"`
	Concepts []Concept `yaml:"concepts"`
}

// Curriculum maps each of the three channels to its concepts.
type Curriculum struct {
	Tubes []Tube `yaml:"tubes"`

	concepts map[string]Concept
	byTube   map[pipeline.ChannelID][]Concept
}

// LoadCurriculum reads a YAML curriculum from path.
func LoadCurriculum(path string) (*Curriculum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read curriculum: %w", err)
	}
	return ParseCurriculum(data)
}

// ParseCurriculum decodes and validates a YAML curriculum.
func ParseCurriculum(data []byte) (*Curriculum, error) {
	var c Curriculum
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse curriculum: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultCurriculum returns the built-in curriculum: times tables on tube 1,
// addition on tube 2 and mixed review on tube 3.
func DefaultCurriculum() *Curriculum {
	c := &Curriculum{Tubes: []Tube{
		{Channel: 1, Concepts: []Concept{
			{ID: "times-2", Kind: KindTimes, Operand: 2, Units: 3},
			{ID: "times-5", Kind: KindTimes, Operand: 5, Units: 3},
			{ID: "times-10", Kind: KindTimes, Operand: 10, Units: 3},
		}},
		{Channel: 2, Concepts: []Concept{
			{ID: "add-3", Kind: KindAdd, Operand: 3, Units: 3},
			{ID: "add-7", Kind: KindAdd, Operand: 7, Units: 3},
			{ID: "add-9", Kind: KindAdd, Operand: 9, Units: 3},
		}},
		{Channel: 3, Concepts: []Concept{
			{ID: "times-3", Kind: KindTimes, Operand: 3, Units: 2},
			{ID: "times-4", Kind: KindTimes, Operand: 4, Units: 2},
			{ID: "times-7", Kind: KindTimes, Operand: 7, Units: 2},
			{ID: "add-11", Kind: KindAdd, Operand: 11, Units: 2},
		}},
	}}
	if err := c.index(); err != nil {
		panic(err)
	}
	return c
}

func (c *Curriculum) index() error {
	c.concepts = make(map[string]Concept)
	c.byTube = make(map[pipeline.ChannelID][]Concept)
	for _, t := range c.Tubes {
		ch := pipeline.ChannelID(t.Channel)
		if !ch.Valid() {
			return fmt.Errorf("curriculum: tube %d: %w", t.Channel, pipeline.ErrUnknownChannel)
		}
		if _, dup := c.byTube[ch]; dup {
			return fmt.Errorf("curriculum: tube %d declared twice", t.Channel)
		}
		if len(t.Concepts) == 0 {
			return fmt.Errorf("curriculum: tube %d has no concepts", t.Channel)
		}
		for i := range t.Concepts {
			cp := &t.Concepts[i]
			if cp.ID == "" || strings.Contains(cp.ID, "/") {
				return fmt.Errorf("curriculum: tube %d: invalid concept id %q", t.Channel, cp.ID)
			}
			if cp.Kind != KindTimes && cp.Kind != KindAdd {
				return fmt.Errorf("curriculum: concept %s: unknown kind %q", cp.ID, cp.Kind)
			}
			if cp.Units <= 0 {
				cp.Units = 1
			}
			if _, dup := c.concepts[cp.ID]; dup {
				return fmt.Errorf("curriculum: concept %s declared twice", cp.ID)
			}
			c.concepts[cp.ID] = *cp
		}
		c.byTube[ch] = t.Concepts
	}
	for _, ch := range pipeline.Channels {
		if _, ok := c.byTube[ch]; !ok {
			return fmt.Errorf("curriculum: tube %d missing", ch)
		}
	}
	return nil
}

// Concept looks a concept up by id.
func (c *Curriculum) Concept(id string) (Concept, bool) {
	cp, ok := c.concepts[id]
	return cp, ok
}

// Resolve splits a content id and returns its concept and unit number.
func (c *Curriculum) Resolve(id pipeline.ContentID) (Concept, int, error) {
	concept, n, err := ParseContentID(id)
	if err != nil {
		return Concept{}, 0, err
	}
	cp, ok := c.concepts[concept]
	if !ok {
		return Concept{}, 0, fmt.Errorf("%w: %s", ErrUnknownConcept, concept)
	}
	return cp, n, nil
}

// ContentIDFor formats the id of unit n (1-based) of concept.
func ContentIDFor(concept string, n int) pipeline.ContentID {
	return pipeline.ContentID(concept + "/" + strconv.Itoa(n))
}

// ParseContentID splits "<concept>/<n>".
func ParseContentID(id pipeline.ContentID) (string, int, error) {
	concept, num, ok := strings.Cut(string(id), "/")
	if !ok || concept == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidContentID, id)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidContentID, id)
	}
	return concept, n, nil
}

type cursorKey struct {
	user    pipeline.UserID
	channel pipeline.ChannelID
}

// Progression walks each user through the units of each tube, wrapping to
// the first concept after the last.
type Progression struct {
	curriculum *Curriculum

	mu      sync.Mutex
	cursors map[cursorKey]int
}

// NewProgression returns a Progression over c.
func NewProgression(c *Curriculum) *Progression {
	return &Progression{curriculum: c, cursors: make(map[cursorKey]int)}
}

// NextContentID returns the next unit for the user's tube and advances the
// cursor.
func (p *Progression) NextContentID(user pipeline.UserID, channel pipeline.ChannelID) (pipeline.ContentID, error) {
	concepts, ok := p.curriculum.byTube[channel]
	if !ok {
		return "", fmt.Errorf("%w: %d", pipeline.ErrUnknownChannel, channel)
	}

	p.mu.Lock()
	key := cursorKey{user, channel}
	pos := p.cursors[key]
	p.cursors[key] = pos + 1
	p.mu.Unlock()

	total := 0
	for _, cp := range concepts {
		total += cp.Units
	}
	pos %= total
	for _, cp := range concepts {
		if pos < cp.Units {
			return ContentIDFor(cp.ID, pos+1), nil
		}
		pos -= cp.Units
	}
	// unreachable: pos < total
	return "", fmt.Errorf("%w: tube %d", ErrUnknownConcept, channel)
}
