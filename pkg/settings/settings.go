package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Load when the settings file does not exist.
// Callers treat it as "feature off" rather than as a failure.
var ErrNotFound = errors.New("settings file not found")

// Config is the snapshot of settings used for one request.
// It is built once and never mutated afterwards.
type Config struct {
	// Master switch for sending cache headers.
	Enabled bool
	// Enables the purge log file.
	DeveloperMode bool
	// URL of the Varnish server receiving PURGE requests.
	Server string
	// Cache lifetime in seconds. Zero disables caching.
	CacheLifetime int
	// Tag always sent with cacheable responses.
	CacheTagPrefix string
	// Request URI exclusion rules. A leading ^ means prefix match,
	// anything else is a substring match.
	Excludes []string
	// Query parameters that make a request non-cacheable.
	ExcludedParams []string
}

// Load reads the settings file at filename.
// Missing or mistyped keys fall back to their defaults one by one,
// so a partially broken file still produces a usable Config.
func Load(filename string) (Config, error) {
	b, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("read settings: %w", err)
	}
	return Parse(b), nil
}

// Parse decodes settings from JSON bytes.
// Documents that are not valid JSON are retried as YAML.
func Parse(b []byte) Config {
	raw, err := decode(b)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed settings, using defaults")
		return Config{
			Excludes:       []string{},
			ExcludedParams: []string{},
		}
	}
	return Config{
		Enabled:        boolValue(raw["enabled"]),
		DeveloperMode:  boolValue(raw["developerMode"]),
		Server:         stringValue(raw["server"]),
		CacheLifetime:  intValue(raw["cacheLifetime"]),
		CacheTagPrefix: stringValue(raw["cacheTagPrefix"]),
		Excludes:       stringList(raw["excludes"]),
		ExcludedParams: stringList(raw["excludedParams"]),
	}
}

// decode reads a JSON object, where a repeated key keeps its last value.
func decode(b []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	jsonErr := json.Unmarshal(b, &raw)
	if jsonErr == nil {
		return raw, nil
	}
	raw = nil
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode settings: %w", jsonErr)
	}
	return raw, nil
}

// only a real boolean true enables a flag
func boolValue(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// numeric prefix of a string, the way an integer cast reads it
var numericPrefix = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?`)

// intValue casts loosely: numbers are truncated, strings are read up to
// the first non-numeric character and booleans count as 0 or 1.
// Anything else is 0.
func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		if n > math.MaxInt {
			return math.MaxInt
		}
		return int(n)
	case float64:
		return floatToInt(n)
	case string:
		return stringToInt(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func floatToInt(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0
	}
	return int(f)
}

// stringToInt turns "300s" into 300 and "abc" into 0.
// Integers too large for int saturate.
func stringToInt(s string) int {
	prefix := numericPrefix.FindString(strings.TrimLeft(s, " \t\n\r\v\f"))
	if prefix == "" {
		return 0
	}
	if strings.ContainsAny(prefix, ".eE") {
		f, _ := strconv.ParseFloat(prefix, 64)
		return floatToInt(f)
	}
	i, err := strconv.ParseInt(prefix, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		if strings.HasPrefix(prefix, "-") {
			return math.MinInt
		}
		return math.MaxInt
	}
	return int(i)
}

// stringList keeps strings and turns numbers and true into their string
// form. null, false and nested values are dropped, since as empty rules
// they would match every request.
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	list := make([]string, 0, len(items))
	for _, item := range items {
		switch value := item.(type) {
		case string:
			list = append(list, value)
		case int:
			list = append(list, strconv.Itoa(value))
		case int64:
			list = append(list, strconv.FormatInt(value, 10))
		case uint64:
			list = append(list, strconv.FormatUint(value, 10))
		case float64:
			list = append(list, strconv.FormatFloat(value, 'f', -1, 64))
		case bool:
			if value {
				list = append(list, "1")
			}
		}
	}
	return list
}
