package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/logger"
	"meanrev/internal/metrics"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const gridSchema = `{
  "type": "object",
  "required": ["parameters"],
  "additionalProperties": false,
  "properties": {
    "objective": {"enum": ["sharpe", "sortino", "total_return", "calmar", "profit_factor"]},
    "workers": {"type": "integer", "minimum": 1},
    "top_n": {"type": "integer", "minimum": 0},
    "parameters": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "array",
        "minItems": 1,
        "items": {"type": ["number", "boolean", "string"]}
      }
    }
  }
}`

var ErrInvalidGrid = errors.New("invalid parameter grid")

// Grid is a parameter sweep over strategy options. Keys are strategy option names, optionally
// prefixed with "strategy.".
type Grid struct {
	Objective  string           `yaml:"objective"`
	Workers    int              `yaml:"workers"`
	TopN       int              `yaml:"top_n"`
	Parameters map[string][]any `yaml:"parameters"`
}

// Trial is one evaluated parameter combination.
type Trial struct {
	Params  map[string]any `json:"params"`
	Score   float64        `json:"score"`
	Metrics Metrics        `json:"metrics"`
	Trades  int            `json:"trades"`
	Err     string         `json:"error,omitempty"`
}

func (t Trial) key() string {
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, t.Params[k])
	}
	return b.String()
}

var compiledGridSchema = mustCompileGridSchema()

func mustCompileGridSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("grid.json", strings.NewReader(gridSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("grid.json")
}

// LoadGrid reads a YAML grid file.
func LoadGrid(path string) (Grid, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Grid{}, fmt.Errorf("read grid failed: %w", err)
	}
	return ParseGrid(raw)
}

// ParseGrid validates raw YAML against the grid schema, then decodes it strictly.
func ParseGrid(raw []byte) (Grid, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Grid{}, fmt.Errorf("%w: %v", ErrInvalidGrid, err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return Grid{}, fmt.Errorf("%w: %v", ErrInvalidGrid, err)
	}
	var inst any
	if err := json.Unmarshal(js, &inst); err != nil {
		return Grid{}, fmt.Errorf("%w: %v", ErrInvalidGrid, err)
	}
	if err := compiledGridSchema.Validate(inst); err != nil {
		return Grid{}, fmt.Errorf("%w: %v", ErrInvalidGrid, err)
	}
	var g Grid
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return Grid{}, fmt.Errorf("%w: %v", ErrInvalidGrid, err)
	}
	known := config.StrategyKeys()
	normalized := make(map[string][]any, len(g.Parameters))
	for k, vals := range g.Parameters {
		name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(k)), "strategy.")
		if _, ok := slices.BinarySearch(known, name); !ok {
			return Grid{}, fmt.Errorf("%w: unknown strategy option %q", ErrInvalidGrid, k)
		}
		if name == "symbol" || name == "inverse_symbol" {
			return Grid{}, fmt.Errorf("%w: %s cannot be swept", ErrInvalidGrid, name)
		}
		normalized[name] = vals
	}
	g.Parameters = normalized
	return g, nil
}

// Combinations expands the grid into its cartesian product. Keys are iterated in sorted order
// with the last key varying fastest, so the sequence is stable.
func (g Grid) Combinations() []map[string]any {
	keys := make([]string, 0, len(g.Parameters))
	for k := range g.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil
	}
	total := 1
	for _, k := range keys {
		total *= len(g.Parameters[k])
	}
	out := make([]map[string]any, 0, total)
	idx := make([]int, len(keys))
	for {
		combo := make(map[string]any, len(keys))
		for i, k := range keys {
			combo[k] = g.Parameters[k][idx[i]]
		}
		out = append(out, combo)
		pos := len(keys) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(g.Parameters[keys[pos]]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}

// Optimizer runs every grid combination on its own Driver and ledger.
type Optimizer struct {
	base    config.Config
	metrics *metrics.Metrics
}

func NewOptimizer(base config.Config, m *metrics.Metrics) *Optimizer {
	return &Optimizer{base: base, metrics: m}
}

// Optimize evaluates the grid over in and returns trials ranked by the objective, best first.
// Ties are broken by the parameter set so the ranking is deterministic. Trials that fail
// (invalid combination, insufficient history) are kept with Err set and ranked last. Only
// context cancellation aborts the sweep.
func (o *Optimizer) Optimize(ctx context.Context, grid Grid, in Input) ([]Trial, error) {
	combos := grid.Combinations()
	if len(combos) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrInvalidGrid)
	}
	objective := firstNonEmpty(grid.Objective, o.base.Optimizer.Objective, "sharpe")
	workers := grid.Workers
	if workers <= 0 {
		workers = o.base.Optimizer.Workers
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	trials := make([]Trial, len(combos))
	var done atomic.Int64
	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	logger.Infof("[optimize] %d combinations, %d workers, objective=%s", len(combos), workers, objective)
	for i, combo := range combos {
		g.Go(func() error {
			trials[i] = o.trial(gctx, combo, objective, in)
			if err := gctx.Err(); err != nil {
				return err
			}
			if n := done.Add(1); n%10 == 0 || int(n) == len(combos) {
				logger.Infof("[optimize] %d/%d done", n, len(combos))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	Rank(trials)
	logger.Infof("[optimize] finished in %s", time.Since(started).Round(time.Millisecond))
	if top := firstPositive(grid.TopN, o.base.Optimizer.TopN); top > 0 && top < len(trials) {
		trials = trials[:top]
	}
	return trials, nil
}

func (o *Optimizer) trial(ctx context.Context, combo map[string]any, objective string, in Input) Trial {
	t := Trial{Params: combo}
	overrides := make(map[string]any, len(combo))
	for k, v := range combo {
		overrides["strategy."+k] = v
	}
	cfg, err := config.LoadOverrides(o.base, overrides)
	if err != nil {
		t.Err = err.Error()
		return t
	}
	res, err := NewDriver(cfg.Strategy, cfg.Backtest, WithMetrics(o.metrics)).Run(ctx, in)
	if err != nil {
		t.Err = err.Error()
		return t
	}
	t.Metrics = res.Metrics
	t.Trades = res.Metrics.Trades
	t.Score = res.Metrics.Objective(objective)
	return t
}

// Rank sorts trials best first: successful trials by descending score, then failed ones;
// equal scores fall back to the parameter set.
func Rank(trials []Trial) {
	sort.SliceStable(trials, func(i, j int) bool {
		a, b := trials[i], trials[j]
		if (a.Err == "") != (b.Err == "") {
			return a.Err == ""
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.key() < b.key()
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
