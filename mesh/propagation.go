package mesh

import (
	"fmt"
	"math"
)

// Material identifies what a wall is made of
type Material string

const (
	Concrete Material = "concrete"
	Wood     Material = "wood"
)

// NoSignal is the intensity of a sample no selected AP can reach
var NoSignal = math.Inf(-1)

// RadioModel is the indoor path-loss model shared by the coverage engine and
// the intensity estimator. It is a value type; each planning run carries its
// own copy.
//
//	Loss(d, walls) = 20·log10(f) + N·log10(d) + Σpenalty(walls) − C
//	R(L, walls)    = 10^((L − 20·log10(f) − Σpenalty(walls) + C) / N)
type RadioModel struct {
	FrequencyMHz      float64              `yaml:"frequencyMHz"`
	PathLossExponent  float64              `yaml:"pathLossExponent"`
	Offset            float64              `yaml:"offset"`
	MinDistance       float64              `yaml:"minDistance"`
	CrossingTolerance float64              `yaml:"crossingTolerance"`
	DefaultMaterial   Material             `yaml:"defaultMaterial"`
	Penalties         map[Material]float64 `yaml:"penalties"`
}

// DefaultRadioModel returns the 5.2 GHz indoor model with concrete walls
func DefaultRadioModel() RadioModel {
	return RadioModel{
		FrequencyMHz:      5200,
		PathLossExponent:  31,
		Offset:            28,
		MinDistance:       0.1,
		CrossingTolerance: 0.05,
		DefaultMaterial:   Concrete,
		Penalties: map[Material]float64{
			Concrete: 2.73,
			Wood:     2.67,
		},
	}
}

// Validate checks that the model can produce finite radii
func (m RadioModel) Validate() error {
	if !(m.FrequencyMHz > 0) {
		return fmt.Errorf("radio model: frequency %v must be > 0: %w", m.FrequencyMHz, ErrInvalidInput)
	}
	if !(m.PathLossExponent > 0) {
		return fmt.Errorf("radio model: path loss exponent %v must be > 0: %w", m.PathLossExponent, ErrInvalidInput)
	}
	if m.MinDistance < 0 || m.CrossingTolerance < 0 {
		return fmt.Errorf("radio model: negative distance tolerance: %w", ErrInvalidInput)
	}
	for mat, p := range m.Penalties {
		if p < 0 || math.IsNaN(p) {
			return fmt.Errorf("radio model: penalty for %s is %v: %w", mat, p, ErrInvalidInput)
		}
	}
	if _, ok := m.Penalties[m.DefaultMaterial]; !ok {
		return fmt.Errorf("radio model: no penalty for default material %q: %w", m.DefaultMaterial, ErrInvalidInput)
	}
	return nil
}

// Penalty returns the attenuation of one wall of the given material. Unknown
// materials fall back to the default material.
func (m RadioModel) Penalty(mat Material) float64 {
	if p, ok := m.Penalties[mat]; ok {
		return p
	}
	return m.Penalties[m.DefaultMaterial]
}

// WallPenalty sums the attenuation of n walls of the default material
func (m RadioModel) WallPenalty(n int) float64 {
	return float64(n) * m.Penalty(m.DefaultMaterial)
}

func (m RadioModel) frequencyTerm() float64 {
	return 20 * math.Log10(m.FrequencyMHz)
}

// Loss returns the path loss in dB over distance d through walls with the
// given total penalty. Distances below MinDistance have zero loss.
func (m RadioModel) Loss(d, penalty float64) float64 {
	if d < m.MinDistance {
		return 0
	}
	return m.frequencyTerm() + m.PathLossExponent*math.Log10(d) + penalty - m.Offset
}

// Radius returns the largest distance at which the loss through walls with
// the given total penalty stays within maxLoss.
func (m RadioModel) Radius(maxLoss, penalty float64) float64 {
	return math.Pow(10, (maxLoss-m.frequencyTerm()-penalty+m.Offset)/m.PathLossExponent)
}

// Reaches reports whether a transmitter at distance d behind n walls stays
// within maxLoss. A point always reaches itself.
func (m RadioModel) Reaches(d float64, n int, maxLoss float64) bool {
	if d < m.MinDistance {
		return true
	}
	return d <= m.Radius(maxLoss, m.WallPenalty(n))
}
