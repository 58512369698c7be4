// Package batch computes page and batch sizes for the sync engine.
//
// Page limits adapt to the measured round trip of the previous page so a
// page takes roughly OptimalTimePerPage. Batch sizes are capped so a single
// statement never binds more parameters than the embedded database allows.
package batch

import (
	"math"
	"time"
)

// DefaultMaxParams is SQLite's historical SQLITE_MAX_VARIABLE_NUMBER.
const DefaultMaxParams = 999

// Settings control how a page limit grows or shrinks between pages.
type Settings struct {
	InitialLimit          int           `mapstructure:"initial_limit"`
	MinLimit              int           `mapstructure:"min_limit"`
	MaxLimit              int           `mapstructure:"max_limit"`
	OptimalTimePerPage    time.Duration `mapstructure:"optimal_time_per_page"`
	MaxLimitChangePerPage float64       `mapstructure:"max_limit_change_per_page"`
}

// DefaultPullSettings returns the page settings used when pulling.
func DefaultPullSettings() Settings {
	return Settings{
		InitialLimit:          100,
		MinLimit:              10,
		MaxLimit:              5000,
		OptimalTimePerPage:    2 * time.Second,
		MaxLimitChangePerPage: 0.2,
	}
}

// DefaultPushSettings returns the page settings used when pushing.
func DefaultPushSettings() Settings {
	return Settings{
		InitialLimit:          50,
		MinLimit:              5,
		MaxLimit:              1000,
		OptimalTimePerPage:    2 * time.Second,
		MaxLimitChangePerPage: 0.2,
	}
}

// Normalize fills zero fields from defaults, fixes inverted bounds and
// moves InitialLimit into [MinLimit, MaxLimit].
func (s Settings) Normalize(defaults Settings) Settings {
	if s.InitialLimit <= 0 {
		s.InitialLimit = defaults.InitialLimit
	}
	if s.MinLimit <= 0 {
		s.MinLimit = defaults.MinLimit
	}
	if s.MaxLimit <= 0 {
		s.MaxLimit = defaults.MaxLimit
	}
	if s.MaxLimit < s.MinLimit {
		s.MaxLimit = s.MinLimit
	}
	s.InitialLimit = min(max(s.InitialLimit, s.MinLimit), s.MaxLimit)
	if s.OptimalTimePerPage <= 0 {
		s.OptimalTimePerPage = defaults.OptimalTimePerPage
	}
	if s.MaxLimitChangePerPage <= 0 || s.MaxLimitChangePerPage >= 1 {
		s.MaxLimitChangePerPage = defaults.MaxLimitChangePerPage
	}
	return s
}

// NextPageLimit returns the limit for the next page.
//
// A current limit of zero or less means no page has been fetched yet and the
// initial limit is returned. A negative duration (clock skew) leaves the
// limit unchanged. Otherwise the limit moves toward the value that would make
// a page take OptimalTimePerPage, by at most MaxLimitChangePerPage of the
// current limit, and stays within [MinLimit, MaxLimit].
func NextPageLimit(settings Settings, current int, lastPageDuration time.Duration) int {
	if current <= 0 {
		return settings.InitialLimit
	}
	if lastPageDuration < 0 {
		return current
	}

	lower := math.Max(float64(settings.MinLimit), float64(current)*(1-settings.MaxLimitChangePerPage))
	upper := math.Min(float64(settings.MaxLimit), float64(current)*(1+settings.MaxLimitChangePerPage))

	optimal := upper
	if lastPageDuration > 0 {
		perRecord := float64(lastPageDuration) / float64(current)
		optimal = float64(settings.OptimalTimePerPage) / perRecord
	}

	lo := int(math.Ceil(lower))
	hi := int(math.Floor(upper))
	// lo can exceed hi when current sits outside [MinLimit, MaxLimit]
	if lo > hi {
		lo = hi
	}

	limit := int(math.Floor(optimal))
	if optimal > float64(hi) {
		limit = hi
	}
	if limit < lo {
		limit = lo
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// EffectiveBatchSize returns the largest n <= desired such that
// n*perRowParamCount <= maxParams, and never less than 1.
func EffectiveBatchSize(desired, perRowParamCount, maxParams int) int {
	if desired < 1 {
		desired = 1
	}
	if perRowParamCount < 1 {
		return desired
	}
	n := maxParams / perRowParamCount
	if n > desired {
		n = desired
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Percent converts a running count into a 0-100 progress value rounded up.
func Percent(count, total int) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Ceil(float64(count) / float64(total) * 100))
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
