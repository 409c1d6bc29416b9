package forecast

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
)

const (
	yearlyPeriodDays = 365.25
	weeklyPeriodDays = 7
	dailyPeriodDays  = 1

	yearlyOrder = 10
	weeklyOrder = 3
	dailyOrder  = 4

	// A regressor whose spread over the fitted periods is below this is
	// treated as constant and cannot be identified.
	minColumnSpread = 1e-9
)

// Seasonality selects Fourier components added to the trend. All are off by
// default: a handful of month-end points cannot identify sub-yearly cycles.
type Seasonality struct {
	Yearly bool `yaml:"yearly"`
	Weekly bool `yaml:"weekly"`
	Daily  bool `yaml:"daily"`
}

type fourier struct {
	name   string
	period float64
	order  int
}

func (s Seasonality) components() []fourier {
	var out []fourier
	if s.Yearly {
		out = append(out, fourier{"yearly", yearlyPeriodDays, yearlyOrder})
	}
	if s.Weekly {
		out = append(out, fourier{"weekly", weeklyPeriodDays, weeklyOrder})
	}
	if s.Daily {
		out = append(out, fourier{"daily", dailyPeriodDays, dailyOrder})
	}
	return out
}

// trendModel is an ordinary least squares fit of usage on time in days since
// origin, plus any enabled seasonal terms.
type trendModel struct {
	origin   time.Time
	seasonal []fourier
	beta     *mat.VecDense
	xtxInv   *mat.Dense
	sigma    float64
	quantile float64
}

func (m *trendModel) row(at time.Time) []float64 {
	t := at.Sub(m.origin).Hours() / 24
	row := []float64{1, t}
	for _, f := range m.seasonal {
		for k := 1; k <= f.order; k++ {
			x := 2 * math.Pi * float64(k) * t / f.period
			row = append(row, math.Sin(x), math.Cos(x))
		}
	}
	return row
}

func fit(points models.Series, seasonality Seasonality, intervalWidth float64) (*trendModel, error) {
	m := &trendModel{
		origin:   points[0].Period,
		seasonal: seasonality.components(),
	}

	n := len(points)
	p := len(m.row(m.origin))
	if n < p {
		return nil, apperr.ModelFit("fit", "model has %d parameters but only %d periods", p, n)
	}

	X := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i, pt := range points {
		X.SetRow(i, m.row(pt.Period))
		y.SetVec(i, pt.Usage)
	}

	for j := 1; j < p; j++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := 0; i < n; i++ {
			v := X.At(i, j)
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		if hi-lo < minColumnSpread {
			return nil, apperr.ModelFit("fit", "regressor %d is constant over the fitted periods", j)
		}
	}

	var beta mat.VecDense
	if err := beta.SolveVec(X, y); err != nil {
		return nil, apperr.ModelFit("fit", "least squares: %v", err)
	}
	for i := 0; i < beta.Len(); i++ {
		if v := beta.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperr.ModelFit("fit", "coefficient %d is not finite", i)
		}
	}
	m.beta = &beta

	var xtx, inv mat.Dense
	xtx.Mul(X.T(), X)
	if err := inv.Inverse(&xtx); err != nil {
		return nil, apperr.ModelFit("fit", "invert normal matrix: %v", err)
	}
	m.xtxInv = &inv

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)
	var rss float64
	for i := 0; i < n; i++ {
		r := y.AtVec(i) - fitted.AtVec(i)
		rss += r * r
	}

	prob := 0.5 + intervalWidth/2
	if dof := n - p; dof > 0 {
		m.sigma = math.Sqrt(rss / float64(dof))
		m.quantile = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(dof)}.Quantile(prob)
	} else {
		// Exact fit: residuals say nothing about noise, so use the typical
		// month-to-month change as the scale.
		var sum float64
		for i := 1; i < n; i++ {
			sum += math.Abs(points[i].Usage - points[i-1].Usage)
		}
		m.sigma = sum / float64(n-1)
		m.quantile = distuv.UnitNormal.Quantile(prob)
	}
	return m, nil
}

// predict returns the fitted value at t and its prediction interval.
func (m *trendModel) predict(at time.Time) (yhat, lower, upper float64, err error) {
	x := mat.NewVecDense(m.beta.Len(), m.row(at))
	yhat = mat.Dot(x, m.beta)
	leverage := mat.Inner(x, m.xtxInv, x)
	half := m.quantile * m.sigma * math.Sqrt(1+math.Max(leverage, 0))
	if math.IsNaN(yhat) || math.IsInf(yhat, 0) || math.IsNaN(half) || math.IsInf(half, 0) {
		return 0, 0, 0, apperr.ModelFit("predict", "non-finite forecast at %s", at.Format("2006-01-02"))
	}
	return yhat, yhat - half, yhat + half, nil
}
