// Package decode holds the mapstructure hooks shared by loosely typed input:
// configuration files, task configs, job schedules and workflow params
package decode

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

var (
	durationType = reflect.TypeOf(time.Duration(0))
	float64Type  = reflect.TypeOf(float64(0))
)

// Seconds converts fractional seconds to a Duration
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// SecondsToDurationHook reads bare numbers and numeric strings into
// time.Duration fields as seconds, so `interval: 60` is one minute. Strings
// with a unit such as "90s" are left for StringToTimeDurationHookFunc
func SecondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if data == nil || to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return Seconds(reflect.ValueOf(data).Convert(float64Type).Float()), nil
		case reflect.String:
			s := strings.TrimSpace(reflect.ValueOf(data).String())
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return Seconds(secs), nil
			}
		}
		return data, nil
	}
}

// DurationHook accepts durations written as "1m30s" or as seconds
func DurationHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		SecondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}
