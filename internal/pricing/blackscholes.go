// Package pricing computes Black-Scholes prices and greeks for European
// options. It performs no I/O.
package pricing

import "math"

// Inputs are annualised: Time in years, Volatility and Rate as decimals
// (0.4 = 40%).
type Inputs struct {
	IsCall     bool
	Spot       float64
	Strike     float64
	Time       float64
	Volatility float64
	Rate       float64
}

// Result holds the option value and its sensitivities. Vega and rho are per
// unit change of volatility / rate; theta is per year.
type Result struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Rho   float64 `json:"rho"`
}

// IsZero reports whether every field is zero.
func (r Result) IsZero() bool {
	return r == Result{}
}

// BlackScholes prices a European option. Degenerate inputs (non-positive
// spot, strike, time or volatility) yield a zero Result instead of NaN/Inf,
// since oracle reads can transiently return zero.
func BlackScholes(in Inputs) Result {
	if in.Spot <= 0 || in.Strike <= 0 || in.Time <= 0 || in.Volatility <= 0 {
		return Result{}
	}

	sqrtT := math.Sqrt(in.Time)
	volSqrtT := in.Volatility * sqrtT
	if volSqrtT == 0 || math.IsNaN(volSqrtT) || math.IsInf(volSqrtT, 0) {
		return Result{}
	}

	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+0.5*in.Volatility*in.Volatility)*in.Time) / volSqrtT
	d2 := d1 - volSqrtT

	discount := math.Exp(-in.Rate * in.Time)
	pdf := NormPDF(d1)

	res := Result{
		Gamma: pdf / (in.Spot * volSqrtT),
		Vega:  in.Spot * pdf * sqrtT,
	}

	decay := -(in.Spot * pdf * in.Volatility) / (2 * sqrtT)
	if in.IsCall {
		nd1, nd2 := NormCDF(d1), NormCDF(d2)
		res.Price = in.Spot*nd1 - in.Strike*discount*nd2
		res.Delta = nd1
		res.Theta = decay - in.Rate*in.Strike*discount*nd2
		res.Rho = in.Strike * in.Time * discount * nd2
	} else {
		nmd1, nmd2 := NormCDF(-d1), NormCDF(-d2)
		res.Price = in.Strike*discount*nmd2 - in.Spot*nmd1
		res.Delta = -nmd1
		res.Theta = decay + in.Rate*in.Strike*discount*nmd2
		res.Rho = -in.Strike * in.Time * discount * nmd2
	}

	return res
}

// NormCDF is the standard normal cumulative distribution built on the
// Abramowitz-Stegun 7.1.26 erf approximation (|error| < 1.5e-7).
func NormCDF(x float64) float64 {
	return 0.5 * (1 + erf(x/math.Sqrt2))
}

// NormPDF is the standard normal density.
func NormPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func erf(x float64) float64 {
	const (
		p  = 0.3275911
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
	)

	sign := 1.0
	if x < 0 {
		sign = -1
		x = -x
	}

	t := 1 / (1 + p*x)
	y := 1 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)
	return sign * y
}
