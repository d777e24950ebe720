package common

import "strconv"

// SafeInt: Parse an int, falling back on bad input
func SafeInt(value string, def int) int {
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	return def
}

// SafeInt64: Parse an int64, falling back on bad input
func SafeInt64(value string, def int64) int64 {
	if v, err := strconv.ParseInt(value, 10, 64); err == nil {
		return v
	}
	// Store writers may format timestamps as floats
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return int64(f)
	}
	return def
}

// SafeFloat: Parse a float, falling back on bad input
func SafeFloat(value string, def float64) float64 {
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		return v
	}
	return def
}

// SafeBool: Parse a bool, falling back on bad input
func SafeBool(value string, def bool) bool {
	switch value {
	case "1", "true", "True":
		return true
	case "0", "false", "False":
		return false
	}
	return def
}
