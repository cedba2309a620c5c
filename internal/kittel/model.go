package kittel

import (
	"math"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// Uniform is the uniform-precession dispersion with H in Oe, M_eff in kOe
// and f in GHz.
func Uniform(h, gamma, meff, offset float64) float64 {
	hk := math.Abs(h / 1000)
	return gamma*math.Sqrt(hk*(hk+meff)) + offset
}

// ExchangeField is the PSSW shift 2*A_ex*(p*pi/d)^2/M_eff.
func ExchangeField(aex, meff float64, mode int, thickness float64) float64 {
	k := float64(mode) * math.Pi / thickness
	return 2 * aex * k * k / meff
}

// StandingSpinWave is the exchange-corrected dispersion of mode p in a film
// of thickness d.
func StandingSpinWave(h, gamma, meff, aex float64, mode int, thickness, offset float64) float64 {
	he := h + ExchangeField(aex, meff, mode, thickness)
	return gamma*math.Sqrt(he*(he+4*math.Pi*meff)) + offset
}

// ResonanceField inverts Uniform for offset-free data. It is used to build
// guesses and synthetic sweeps.
func ResonanceField(f, gamma, meff float64) float64 {
	q := (f / gamma) * (f / gamma)
	return 1000 * (-meff + math.Sqrt(meff*meff+4*q)) / 2
}

// Predict evaluates a fitted result at field h.
func Predict(r *models.KittelResult, h float64) float64 {
	if r.Model == models.ModelPSSW {
		return StandingSpinWave(h, r.Gamma, r.Meff, r.Aex, r.ModeIndex, r.Thickness, r.Offset)
	}
	return Uniform(h, r.Gamma, r.Meff, r.Offset)
}
