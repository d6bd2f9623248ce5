package spectrum

import (
	"math"
)

// OptimalScaling returns the factor by which model must be multiplied to
// maximize the multinomial likelihood of data: the ratio of their unmasked
// sums. Data masked entries are used for both spectra.
func OptimalScaling(model, data *Spectrum) float64 {
	var sm, sd float64
	mv, dv := model.Values(), data.Values()
	for i := range mv {
		if data.mask[i] || model.mask[i] {
			continue
		}
		sm += mv[i]
		sd += dv[i]
	}
	return sd / sm
}

// LogLikelihood returns the Poisson composite log-likelihood of data given
// the expected spectrum model. It is -Inf when model is zero where data is
// positive.
func LogLikelihood(model, data *Spectrum) float64 {
	var ll float64
	mv, dv := model.Values(), data.Values()
	for i := range mv {
		if data.mask[i] || model.mask[i] {
			continue
		}
		m, d := mv[i], dv[i]
		if m <= 0 {
			if d > 0 {
				return math.Inf(-1)
			}
			continue
		}
		lg, _ := math.Lgamma(d + 1)
		ll += -m + d*math.Log(m) - lg
	}
	return ll
}

// LLMultinom returns the multinomial log-likelihood of data given model:
// the Poisson likelihood after scaling model optimally. The scaling factor
// is the estimate of the population-scaled mutation rate theta when model
// was computed for theta = 1.
func LLMultinom(model, data *Spectrum) (ll, theta float64) {
	theta = OptimalScaling(model, data)
	return LogLikelihood(model.Scale(theta), data), theta
}

// AnscombeResiduals returns the Anscombe Poisson residuals of data against
// model. Entries that are masked in either spectrum, or where model is not
// positive, are masked in the result.
func AnscombeResiduals(model, data *Spectrum) *Spectrum {
	r := data.Clone()
	rv, mv, dv := r.Values(), model.Values(), data.Values()
	for i := range rv {
		m := mv[i]
		if data.mask[i] || model.mask[i] || m <= 0 {
			rv[i] = 0
			r.mask[i] = true
			continue
		}
		rv[i] = 1.5 * (math.Pow(dv[i], 2.0/3) - math.Pow(m, 2.0/3)) / math.Pow(m, 1.0/6)
	}
	return r
}
