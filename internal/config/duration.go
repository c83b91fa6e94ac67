package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Duration is a time.Duration that reads and writes as text ("30s", "5h").
// Bare numbers are taken as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

var durationType = reflect.TypeOf(Duration(0))

// secondsToDurationHook decodes numbers, and strings holding an integer, into
// Duration as seconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(v * float64(time.Second)), nil
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return Duration(time.Duration(n) * time.Second), nil
			}
		}
		return data, nil
	}
}
