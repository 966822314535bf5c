package types

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/kryptoslogic/assemblyline-core/go/skerr"
)

// Score is a float64 that encodes NaN as JSON null. A NaN score means "no
// previous score is known"; encoding/json refuses to marshal NaN directly.
type Score float64

// NaN is the zero value for an unknown score.
var NaN = Score(math.NaN())

// IsNaN returns true if no score is known.
func (s Score) IsNaN() bool {
	return math.IsNaN(float64(s))
}

// MarshalJSON implements json.Marshaler.
func (s Score) MarshalJSON() ([]byte, error) {
	if s.IsNaN() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Score) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = NaN
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return skerr.Wrap(err)
	}
	*s = Score(f)
	return nil
}
