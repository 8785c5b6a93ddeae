package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"stitch-pipeline/internal/pipeline"
)

// ErrAssemblyFailed is returned by injected failures.
var ErrAssemblyFailed = errors.New("content assembly failed")

// AssemblerConfig tunes question counts and the simulated backend.
type AssemblerConfig struct {
	Questions             int
	Distractors           int
	SimplifiedQuestions   int
	SimplifiedDistractors int
	// Latency is the simulated time to assemble a full stitch; simplified
	// stitches take proportionally less.
	Latency time.Duration
	// FailureRate in [0, 1] is the probability that an assembly fails.
	FailureRate float64
	Seed        uint64
}

// DefaultAssemblerConfig returns 20 questions with 3 distractors each, or 5
// questions with 1 distractor when simplified.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		Questions:             20,
		Distractors:           3,
		SimplifiedQuestions:   5,
		SimplifiedDistractors: 1,
	}
}

// Assembler builds arithmetic fact stitches from a Curriculum. It implements
// pipeline.ContentAssembler.
type Assembler struct {
	curriculum *Curriculum
	cfg        AssemblerConfig

	mu        sync.Mutex
	rng       *rand.Rand
	templates map[pipeline.ContentID]pipeline.Stitch
}

// NewAssembler returns an Assembler; zero counts in cfg use the defaults.
func NewAssembler(c *Curriculum, cfg AssemblerConfig) *Assembler {
	d := DefaultAssemblerConfig()
	if cfg.Questions <= 0 {
		cfg.Questions = d.Questions
	}
	if cfg.Distractors <= 0 {
		cfg.Distractors = d.Distractors
	}
	if cfg.SimplifiedQuestions <= 0 {
		cfg.SimplifiedQuestions = d.SimplifiedQuestions
	}
	if cfg.SimplifiedDistractors <= 0 {
		cfg.SimplifiedDistractors = d.SimplifiedDistractors
	}
	return &Assembler{
		curriculum: c,
		cfg:        cfg,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		templates:  make(map[pipeline.ContentID]pipeline.Stitch),
	}
}

// Assemble builds the stitch for req.ContentID. With PreferCachedTemplates a
// previously assembled stitch for the same id and mode is returned at once.
func (a *Assembler) Assemble(ctx context.Context, req pipeline.AssembleRequest) (pipeline.Stitch, error) {
	concept, n, err := a.curriculum.Resolve(req.ContentID)
	if err != nil {
		return pipeline.Stitch{}, err
	}

	key := templateKey(req.ContentID, req.Simplified)
	if req.PreferCachedTemplates {
		a.mu.Lock()
		st, ok := a.templates[key]
		a.mu.Unlock()
		if ok {
			req.Progress(1)
			return st, nil
		}
	}

	questions, distractors := a.cfg.Questions, a.cfg.Distractors
	if req.Simplified {
		questions, distractors = a.cfg.SimplifiedQuestions, a.cfg.SimplifiedDistractors
	}
	var step time.Duration
	if a.cfg.Latency > 0 {
		step = a.cfg.Latency / time.Duration(a.cfg.Questions)
	}

	st := pipeline.Stitch{ConceptID: concept.ID, Questions: make([]pipeline.Question, 0, questions)}
	for i := 0; i < questions; i++ {
		if err := wait(ctx, step); err != nil {
			return pipeline.Stitch{}, err
		}
		st.Questions = append(st.Questions, fact(concept, n, i, questions, distractors))
		req.Progress(float64(i+1) / float64(questions))
	}

	if a.fail() {
		return pipeline.Stitch{}, fmt.Errorf("%w: %s", ErrAssemblyFailed, req.ContentID)
	}

	a.mu.Lock()
	a.templates[key] = st
	a.mu.Unlock()
	return st, nil
}

func (a *Assembler) fail() bool {
	if a.cfg.FailureRate <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64() < a.cfg.FailureRate
}

func templateKey(id pipeline.ContentID, simplified bool) pipeline.ContentID {
	if simplified {
		return id + "#simplified"
	}
	return id
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fact builds question i of unit n. Units of a concept walk through the
// multiplicands 1..12 so consecutive units drill different facts.
func fact(c Concept, n, i, perUnit, distractors int) pipeline.Question {
	m := ((n-1)*perUnit+i)%12 + 1

	var prompt string
	var answer, spread int
	switch c.Kind {
	case KindAdd:
		prompt = fmt.Sprintf("%d + %d", c.Operand, m)
		answer = c.Operand + m
		spread = 1
	default:
		prompt = fmt.Sprintf("%d × %d", c.Operand, m)
		answer = c.Operand * m
		spread = c.Operand
		if spread < 1 {
			spread = 1
		}
	}

	return pipeline.Question{
		ID:          fmt.Sprintf("%s/%d/%d", c.ID, n, i+1),
		Prompt:      prompt,
		Answer:      strconv.Itoa(answer),
		Distractors: nearMisses(answer, spread, distractors),
	}
}

// nearMisses returns count distinct positive values close to answer,
// alternating above and below it in steps of spread and then 1.
func nearMisses(answer, spread, count int) []string {
	out := make([]string, 0, count)
	seen := map[int]bool{answer: true}
	add := func(v int) {
		if len(out) < count && v > 0 && !seen[v] {
			seen[v] = true
			out = append(out, strconv.Itoa(v))
		}
	}
	for k := 1; len(out) < count; k++ {
		add(answer + k*spread)
		add(answer - k*spread)
		add(answer + k)
		add(answer - k)
	}
	return out
}
