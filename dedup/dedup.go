// Package dedup removes exact and near-duplicate candidates.
package dedup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Mode selects how strict the near-duplicate pass is.
type Mode string

const (
	// ModeQuick compares word prefixes against a short window.
	ModeQuick Mode = "quick"
	// ModeFull compares full word sets, with title similarity for web results.
	ModeFull Mode = "full"
)

const (
	quickThreshold = 0.90
	quickWindow    = 10
	quickPrefix    = 40
)

// ParseMode maps a config value onto a Mode, defaulting to ModeFull.
func ParseMode(s string) Mode {
	if Mode(s) == ModeQuick {
		return ModeQuick
	}
	return ModeFull
}

// Result is the outcome of one dedup pass.
type Result struct {
	Candidates   []schema.Candidate
	ExactRemoved int
	NearRemoved  int
	// DeadlineExceeded is set when the pass ran out of time and the remaining
	// candidates were passed through unchecked.
	DeadlineExceeded bool
	Elapsed          time.Duration
}

// Removed is the total number of dropped candidates.
func (r Result) Removed() int { return r.ExactRemoved + r.NearRemoved }

type Engine struct {
	contentThreshold float64
	titleThreshold   float64
	window           int
	deadline         time.Duration
	log              *zap.Logger
	now              func() time.Time
}

func New(cfg config.DedupConfig, log *zap.Logger) *Engine {
	e := &Engine{
		contentThreshold: cfg.ContentThreshold,
		titleThreshold:   cfg.TitleThreshold,
		window:           cfg.Window,
		deadline:         time.Duration(cfg.DeadlineMs) * time.Millisecond,
		log:              logger.OrDefault(log, "dedup"),
		now:              time.Now,
	}
	if e.contentThreshold <= 0 {
		e.contentThreshold = 0.85
	}
	if e.titleThreshold <= 0 {
		e.titleThreshold = 0.90
	}
	if e.window <= 0 {
		e.window = 50
	}
	if e.deadline <= 0 {
		e.deadline = 150 * time.Millisecond
	}
	return e
}

// Run removes exact duplicates, then near duplicates inside a sliding window
// of accepted candidates. Of two duplicates the higher scored one is kept, in
// the position of the first. Input order is otherwise preserved and the input
// slice is not modified.
func (e *Engine) Run(ctx context.Context, candidates []schema.Candidate, mode Mode) Result {
	start := e.now()
	res := Result{}
	if len(candidates) == 0 {
		return res
	}
	exact := e.exact(candidates)
	res.ExactRemoved = len(candidates) - len(exact)

	accepted, near, exceeded := e.near(ctx, exact, mode, start)
	res.Candidates = accepted
	res.NearRemoved = near
	res.DeadlineExceeded = exceeded
	res.Elapsed = e.now().Sub(start)
	if exceeded {
		e.log.Warn("dedup deadline exceeded, passing remaining candidates through",
			zap.Duration("deadline", e.deadline), zap.Int("input", len(candidates)), zap.String("mode", string(mode)))
	}
	return res
}

// exact drops candidates whose content hash or normalized URL was already
// seen.
func (e *Engine) exact(in []schema.Candidate) []schema.Candidate {
	out := make([]schema.Candidate, 0, len(in))
	seen := make(map[string]int, len(in)*2)
	for _, c := range in {
		keys := exactKeys(c)
		at := -1
		for _, k := range keys {
			if i, ok := seen[k]; ok {
				at = i
				break
			}
		}
		if at < 0 {
			out = append(out, c)
			at = len(out) - 1
		} else if c.NormalizedScore > out[at].NormalizedScore {
			out[at] = c
		}
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = at
			}
		}
	}
	return out
}

func exactKeys(c schema.Candidate) []string {
	keys := []string{"h:" + textsim.Hash(c.Content)}
	if c.SourceType == schema.SourceWeb {
		u := c.URL
		if u == "" {
			u = c.SourceID
		}
		if n := NormalizeURL(u); n != "" {
			keys = append(keys, "u:"+n)
		}
	}
	return keys
}

type entry struct {
	cand    schema.Candidate
	content textsim.Set
	title   textsim.Set
}

func (e *Engine) near(ctx context.Context, in []schema.Candidate, mode Mode, start time.Time) ([]schema.Candidate, int, bool) {
	window, threshold := e.window, e.contentThreshold
	if mode == ModeQuick {
		window, threshold = quickWindow, quickThreshold
	}
	accepted := make([]entry, 0, len(in))
	removed := 0
	for i, c := range in {
		if ctx.Err() != nil || e.now().Sub(start) > e.deadline {
			for _, rest := range in[i:] {
				accepted = append(accepted, entry{cand: rest})
			}
			return candidatesOf(accepted), removed, true
		}
		cur := e.entryFor(c, mode)
		from := len(accepted) - window
		if from < 0 {
			from = 0
		}
		var dups []int
		for j := from; j < len(accepted); j++ {
			if e.similar(cur, accepted[j], mode, threshold) {
				dups = append(dups, j)
			}
		}
		if len(dups) == 0 {
			accepted = append(accepted, cur)
			continue
		}
		if !outscores(c, accepted, dups) {
			removed++
			continue
		}
		// c replaces every accepted duplicate, taking the first one's place
		accepted[dups[0]] = cur
		for k := len(dups) - 1; k >= 1; k-- {
			accepted = append(accepted[:dups[k]], accepted[dups[k]+1:]...)
		}
		removed += len(dups)
	}
	return candidatesOf(accepted), removed, false
}

func outscores(c schema.Candidate, accepted []entry, idx []int) bool {
	for _, j := range idx {
		if accepted[j].cand.NormalizedScore >= c.NormalizedScore {
			return false
		}
	}
	return true
}

func (e *Engine) entryFor(c schema.Candidate, mode Mode) entry {
	en := entry{cand: c}
	if mode == ModeQuick {
		en.content = textsim.PrefixSet(c.Content, quickPrefix)
		return en
	}
	en.content = textsim.WordSet(c.Content)
	if c.SourceType == schema.SourceWeb && c.Title != "" {
		en.title = textsim.WordSet(c.Title)
	}
	return en
}

// similar reports whether two candidates are near duplicates. Web results
// with near-identical titles need only half the content overlap.
func (e *Engine) similar(a, b entry, mode Mode, threshold float64) bool {
	if len(a.content) == 0 || len(b.content) == 0 {
		return false
	}
	content := textsim.Jaccard(a.content, b.content)
	if content >= threshold {
		return true
	}
	if mode == ModeFull && len(a.title) > 0 && len(b.title) > 0 {
		return textsim.Jaccard(a.title, b.title) >= e.titleThreshold && content >= threshold/2
	}
	return false
}

func candidatesOf(es []entry) []schema.Candidate {
	out := make([]schema.Candidate, len(es))
	for i, en := range es {
		out[i] = en.cand
	}
	return out
}
