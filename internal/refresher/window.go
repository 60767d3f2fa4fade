package refresher

import (
	"fmt"
	"math/rand/v2"
	"time"

	"tokenbridge/internal/common/errors"
	"tokenbridge/internal/models"
)

// StalenessWindow is the range of remaining-lifetime fractions a refresh
// threshold is drawn from. A new threshold is drawn on every check so that
// instances sharing a credential do not refresh in the same instant.
type StalenessWindow struct {
	Min float64 `json:"min" validate:"fraction"`
	Max float64 `json:"max" validate:"fraction,gtefield=Min"`
}

// DefaultStalenessWindow refreshes somewhere between 60% and 90% of the
// token's lifetime remaining.
var DefaultStalenessWindow = StalenessWindow{Min: 0.6, Max: 0.9}

// NewStalenessWindow returns a validated window.
func NewStalenessWindow(min, max float64) (StalenessWindow, error) {
	w := StalenessWindow{Min: min, Max: max}
	if err := w.Validate(); err != nil {
		return StalenessWindow{}, err
	}
	return w, nil
}

// Validate checks 0 <= Min <= Max <= 1.
func (w StalenessWindow) Validate() error {
	if w.Min < 0 || w.Max > 1 || w.Min > w.Max {
		return errors.ValidationError(
			fmt.Sprintf("staleness window must satisfy 0 <= min <= max <= 1, got [%g, %g]", w.Min, w.Max)).
			WithContext("min", w.Min).
			WithContext("max", w.Max)
	}
	return nil
}

// IsZero reports whether w is the zero window.
func (w StalenessWindow) IsZero() bool {
	return w.Min == 0 && w.Max == 0
}

// Sample draws a threshold uniformly from the window.
func (w StalenessWindow) Sample() float64 {
	return w.SampleWith(rand.Float64)
}

// SampleWith draws a threshold using u, which must return values in [0, 1).
// A degenerate window always returns Min.
func (w StalenessWindow) SampleWith(u func() float64) float64 {
	if w.Min == w.Max {
		return w.Min
	}
	return w.Min + u()*(w.Max-w.Min)
}

// ShouldRefresh reports whether tok's remaining fraction at now is below
// threshold.
func ShouldRefresh(tok models.Token, now time.Time, threshold float64) bool {
	return tok.RemainingFraction(now) < threshold
}
