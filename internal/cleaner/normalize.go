package cleaner

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/withObsrvr/flood-impact-runner/internal/inventory"
)

// Opt is an optional value.
type Opt[T any] struct {
	V  T
	OK bool
}

// Some wraps a present value.
func Some[T any](v T) Opt[T] { return Opt[T]{V: v, OK: true} }

// None is the absent value.
func None[T any]() Opt[T] { return Opt[T]{} }

// Get returns the value and whether it is present.
func (o Opt[T]) Get() (T, bool) { return o.V, o.OK }

// NormalizeBlank trims a cell and treats null, empty and textual
// nan/none/null as absent.
func NormalizeBlank(c inventory.Cell) Opt[string] {
	if c.Null {
		return None[string]()
	}
	text := strings.TrimSpace(c.Text)
	switch strings.ToLower(text) {
	case "", "nan", "none", "null":
		return None[string]()
	}
	return Some(text)
}

// ParseFloat parses a cell as a finite float. Infinities are absent so they
// never reach an engine input file.
func ParseFloat(c inventory.Cell) Opt[float64] {
	text, ok := NormalizeBlank(c).Get()
	if !ok {
		return None[float64]()
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return None[float64]()
	}
	return Some(f)
}

// FormatNumber prints integral values without a fraction and everything
// else with at most ten decimals, trailing zeros trimmed. A negative value
// that rounds away keeps its sign ("-0").
func FormatNumber(f float64) string {
	if f == math.Trunc(f) {
		if math.Abs(f) < 1e18 {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	s := strconv.FormatFloat(f, 'f', 10, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// NormalizeOccupancy upper-cases an occupancy code and reduces it to its
// class prefix (the text before '-') when the prefix is allowed, falling
// back to the full text.
func NormalizeOccupancy(raw string, allowed map[string]bool) (string, bool) {
	text := strings.ToUpper(raw)
	prefix, _, _ := strings.Cut(text, "-")
	if allowed[prefix] {
		return prefix, true
	}
	if allowed[text] {
		return text, true
	}
	return "", false
}

var zoneSeparator = regexp.MustCompile(`[^A-Z0-9]+`)

// NormalizeZone upper-cases a hazard zone designation and keeps its
// leading alphanumeric token ("AE (EL 9)" -> "AE").
func NormalizeZone(raw Opt[string]) string {
	text, ok := raw.Get()
	if !ok {
		return ""
	}
	return zoneSeparator.Split(strings.ToUpper(text), 2)[0]
}

// DedupKey builds the composite record identity.
func DedupKey(bid string, lat, lon float64) string {
	return bid + "_" + inventory.FormatFloat(lat) + "_" + inventory.FormatFloat(lon)
}
