package config

import (
	"encoding/json"
	"fmt"

	"github.com/jmylchreest/marketpipe/pkg/bytesize"
)

// ByteSize is a number of bytes that unmarshals from either a bare integer
// or a human-readable string such as "500KiB" or "1.5MB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := bytesize.Parse(string(text))
	if err != nil {
		return fmt.Errorf("parsing byte size: %w", err)
	}
	*b = ByteSize(size)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting numbers and strings.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*b = ByteSize(v)
		return nil
	case string:
		return b.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("invalid byte size type %T", raw)
	}
}

// MarshalJSON implements json.Marshaler, emitting the raw byte count.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(b))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size as an int64 byte count.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns a human-readable representation.
func (b ByteSize) String() string {
	return bytesize.Format(bytesize.Size(b))
}
