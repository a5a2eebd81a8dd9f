package store

import "time"

// DatabaseConfig encapsulates the timestamp encoding, the cutoff, and the
// storage root so the same query code in internal/search and
// internal/federation works unmodified against the primary corpus (epoch-ms
// integers, no cutoff) and any secondary corpus (ISO-8601 UTC text, cutoff
// bounded, encrypted at rest).
type DatabaseConfig struct {
	// Path to the sqlite3 file.
	Path string
	// ChunksRoot is the directory video segment relative paths resolve under.
	ChunksRoot string
	// ISO8601 selects the secondary corpus's text timestamp encoding; false
	// means primary's epoch-ms integer encoding.
	ISO8601 bool
	// Cutoff is the per-source timestamp (epoch-ms) beyond which this source
	// holds no data. Zero means "no cutoff" (the primary corpus).
	Cutoff int64
	// Password, if non-empty, opens the file as an encrypted SQLCipher-
	// compatible database (secondary corpus only).
	Password string
	// ReadOnly marks a secondary, historical corpus: writes are rejected at
	// the Store level before ever reaching SQL.
	ReadOnly bool
}

// HasCutoff reports whether this source is bounded by a cutoff.
func (c DatabaseConfig) HasCutoff() bool {
	return c.Cutoff != 0
}

// CutoffEpochMs returns the configured cutoff as epoch-ms, for callers (like
// internal/search) that only see this type through the DateCodec interface
// and can't address the Cutoff field directly.
func (c DatabaseConfig) CutoffEpochMs() int64 {
	return c.Cutoff
}

// BindDate converts a wall-clock epoch-ms timestamp into the value this
// source's schema expects to bind as a query parameter.
func (c DatabaseConfig) BindDate(epochMs int64) any {
	if !c.ISO8601 {
		return epochMs
	}
	return time.UnixMilli(epochMs).UTC().Format(time.RFC3339Nano)
}

// ParseDate converts a value read back from this source's schema into a
// wall-clock epoch-ms timestamp.
func (c DatabaseConfig) ParseDate(v any) (int64, error) {
	if !c.ISO8601 {
		switch t := v.(type) {
		case int64:
			return t, nil
		case float64:
			return int64(t), nil
		}
		return 0, errUnsupportedDateValue(v)
	}
	s, ok := v.(string)
	if !ok {
		return 0, errUnsupportedDateValue(v)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return parsed.UnixMilli(), nil
}

// FormatDate renders an epoch-ms timestamp for diagnostics/logging in this
// source's native encoding.
func (c DatabaseConfig) FormatDate(epochMs int64) string {
	if !c.ISO8601 {
		return time.UnixMilli(epochMs).UTC().Format(time.RFC3339)
	}
	return time.UnixMilli(epochMs).UTC().Format(time.RFC3339Nano)
}

func errUnsupportedDateValue(v any) error {
	return &unsupportedDateValueError{v}
}

type unsupportedDateValueError struct{ v any }

func (e *unsupportedDateValueError) Error() string {
	return "store: unsupported date value encoding"
}
