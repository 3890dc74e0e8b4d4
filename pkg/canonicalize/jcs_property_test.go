//go:build property
// +build property

package canonicalize_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/actionexec/core/pkg/canonicalize"
)

// TestJCS_DeterminismProperty verifies JCS(v) == JCS(v) for arbitrary
// string-keyed maps of strings, independent of Go's (randomized) map
// iteration order.
func TestJCS_DeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS output is deterministic across repeated calls", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := canonicalize.JCS(obj)
			b2, err2 := canonicalize.JCS(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestJCS_KeyOrderInvarianceProperty verifies that building the same
// key/value pairs through two differently-ordered Go map literals always
// produces byte-identical canonical output and an identical hash.
func TestJCS_KeyOrderInvarianceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is independent of construction order", prop.ForAll(
		func(keys []string, values []string) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			forward := make(map[string]interface{}, n)
			reverse := make(map[string]interface{}, n)
			seen := make(map[string]bool, n)
			var ks []string
			var vs []interface{}
			for i := 0; i < n; i++ {
				if keys[i] == "" || seen[keys[i]] {
					continue
				}
				seen[keys[i]] = true
				ks = append(ks, keys[i])
				vs = append(vs, values[i])
			}
			for i := range ks {
				forward[ks[i]] = vs[i]
			}
			for i := len(ks) - 1; i >= 0; i-- {
				reverse[ks[i]] = vs[i]
			}

			h1, err1 := canonicalize.CanonicalHash(forward)
			h2, err2 := canonicalize.CanonicalHash(reverse)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestJCS_OutputIsValidJSONProperty verifies JCS's output always re-parses
// as valid JSON for any map of string/number/bool/null leaves.
func TestJCS_OutputIsValidJSONProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS output always re-parses as valid JSON", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] == "" {
					continue
				}
				switch i % 3 {
				case 0:
					obj[keys[i]] = values[i]
				case 1:
					obj[keys[i]] = nil
				default:
					obj[keys[i]] = len(values[i])
				}
			}

			b, err := canonicalize.JCS(obj)
			if err != nil {
				return false
			}
			var check interface{}
			return json.Unmarshal(b, &check) == nil
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
