// Package anomaly decides whether a new meter reading is consistent with a
// customer's recent history.
package anomaly

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
)

// Params configures the isolation forest. Seed and Contamination together fix
// the verdict for a given window and candidate.
type Params struct {
	Window        int     `yaml:"window"`
	Trees         int     `yaml:"trees"`
	Contamination float64 `yaml:"contamination"`
	Seed          uint64  `yaml:"seed"`
}

func DefaultParams() Params {
	return Params{
		Window:        6,
		Trees:         200,
		Contamination: 0.15,
		Seed:          42,
	}
}

// Result is a verdict plus what went into it. No numeric score is exposed.
type Result struct {
	Verdict     models.Verdict
	WindowSize  int
	Imputed     int
	SubmittedAt time.Time
}

type Scorer struct {
	params Params
	now    func() time.Time
}

type Option func(*Scorer)

// WithClock sets the clock used for candidates without a submission time.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		s.now = now
	}
}

func NewScorer(params Params, opts ...Option) *Scorer {
	def := DefaultParams()
	if params.Window <= 0 {
		params.Window = def.Window
	}
	if params.Trees <= 0 {
		params.Trees = def.Trees
	}
	if params.Contamination <= 0 || params.Contamination > 0.5 {
		params.Contamination = def.Contamination
	}
	s := &Scorer{params: params, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) Params() Params {
	return s.params
}

// Score fits a fresh forest over the most recent readings and reports whether
// the candidate scores above the contamination quantile of those readings.
// The candidate is scored against the forest but never grown into it. History
// is expected most recent first; only the first Window rows are used.
func (s *Scorer) Score(history []models.Reading, c models.Candidate) (Result, error) {
	if err := ValidateCandidate(c); err != nil {
		return Result{}, err
	}
	meter, usage := *c.MeterReading, *c.MonthlyUsage

	at := c.SubmittedAt
	if at.IsZero() {
		at = s.now()
	}

	if len(history) > s.params.Window {
		history = history[:s.params.Window]
	}
	result := Result{Verdict: models.VerdictNormal, WindowSize: len(history), SubmittedAt: at}
	if len(history) == 0 {
		return result, nil
	}

	rows, imputed := features(history, meter, usage, at.Unix())
	result.Imputed = imputed

	train, candidate := rows[:len(rows)-1], rows[len(rows)-1]
	f, threshold := s.fit(train)
	if f.score(candidate) > threshold {
		result.Verdict = models.VerdictAnomaly
	}
	return result, nil
}

// fit grows the forest on the training rows and returns it with the score
// above which a point is in the contamination tail of those rows.
func (s *Scorer) fit(train [][]float64) (*forest, float64) {
	rng := rand.New(rand.NewPCG(s.params.Seed, s.params.Seed))
	f := growForest(train, s.params.Trees, rng)

	scores := make([]float64, len(train))
	for i, r := range train {
		scores[i] = f.score(r)
	}
	return f, percentile(scores, 1-s.params.Contamination)
}

// ValidateCandidate reports an InvalidInput error for a candidate missing a
// required field or carrying a non-finite value.
func ValidateCandidate(c models.Candidate) error {
	if c.MeterReading == nil {
		return apperr.InvalidInput("anomaly", "candidate is missing meterReading")
	}
	if c.MonthlyUsage == nil {
		return apperr.InvalidInput("anomaly", "candidate is missing monthlyUsage")
	}
	if !finite(*c.MeterReading) || !finite(*c.MonthlyUsage) {
		return apperr.InvalidInput("anomaly", "candidate values must be finite numbers")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
