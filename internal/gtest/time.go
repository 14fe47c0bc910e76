package gtest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TimeFactorEnv names the environment variable that multiplies
// every test timeout, for slow or contended CI machines.
const TimeFactorEnv = "GSUBNET_TEST_TIME_FACTOR"

// TimeFactor is the multiplier read from [TimeFactorEnv] at init.
// It is exported so a test binary can adjust it programmatically.
var TimeFactor ScaledDuration = 1

func init() {
	n, err := parseTimeFactor(os.Getenv(TimeFactorEnv))
	if err != nil {
		panic(err)
	}
	TimeFactor = n
}

func parseTimeFactor(s string) (ScaledDuration, error) {
	if s == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", TimeFactorEnv, s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive; got %d", TimeFactorEnv, n)
	}
	return ScaledDuration(n), nil
}

// ScaledDuration is a duration already multiplied by [TimeFactor].
// Channel helpers take it instead of a time.Duration
// so that tests cannot pass an unscaled literal.
type ScaledDuration time.Duration

// ScaleMs returns ms milliseconds multiplied by [TimeFactor].
func ScaleMs(ms int64) ScaledDuration {
	return TimeFactor * ScaledDuration(ms) * ScaledDuration(time.Millisecond)
}

// Sleep sleeps for the scaled duration d.
func Sleep(d ScaledDuration) {
	time.Sleep(time.Duration(d))
}
