// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"strings"
	"time"
)

// Duration is a time.Duration written as "1s", "250ms" in a config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if parsed < 0 {
		return errors.New("duration can't be negative")
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	if d.Duration == 0 {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

func (d Duration) IsZero() bool {
	return d.Duration == 0
}
