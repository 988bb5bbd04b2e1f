package pipeline

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFingerprintDeterminismProperty verifies that a fingerprint is a pure
// function of the node's semantic tuple: api class, canonical params,
// provider, and ordered upstream fingerprints. The node ID never
// participates.
func TestFingerprintDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("equal tuples yield equal fingerprints regardless of node id", prop.ForAll(
		func(tc fingerprintTuple) bool {
			raw, err := json.Marshal(tc.params)
			if err != nil {
				return false
			}
			a := Node{ID: "a", APIClass: tc.apiClass, Provider: tc.provider, Params: raw}
			b := Node{ID: "b", APIClass: tc.apiClass, Provider: tc.provider, Params: raw}

			fa, err := Fingerprint(a, tc.upstream)
			if err != nil {
				return false
			}
			fb, err := Fingerprint(b, tc.upstream)
			if err != nil {
				return false
			}
			again, err := Fingerprint(a, tc.upstream)
			if err != nil {
				return false
			}
			return fa == fb && fa == again
		},
		genFingerprintTuple(),
	))

	properties.Property("changing the api class or provider changes the fingerprint", prop.ForAll(
		func(tc fingerprintTuple, suffix string) bool {
			raw, err := json.Marshal(tc.params)
			if err != nil {
				return false
			}
			base := Node{ID: "n", APIClass: tc.apiClass, Provider: tc.provider, Params: raw}
			fp, err := Fingerprint(base, tc.upstream)
			if err != nil {
				return false
			}

			otherClass := base
			otherClass.APIClass = tc.apiClass + suffix
			fc, err := Fingerprint(otherClass, tc.upstream)
			if err != nil {
				return false
			}

			otherProvider := base
			otherProvider.Provider = tc.provider + suffix
			fpr, err := Fingerprint(otherProvider, tc.upstream)
			if err != nil {
				return false
			}
			return fp != fc && fp != fpr
		},
		genFingerprintTuple(),
		genShortName(),
	))

	properties.Property("every upstream fingerprint contributes to the hash", prop.ForAll(
		func(tc fingerprintTuple, extra string) bool {
			raw, err := json.Marshal(tc.params)
			if err != nil {
				return false
			}
			n := Node{ID: "n", APIClass: tc.apiClass, Provider: tc.provider, Params: raw}
			fp, err := Fingerprint(n, tc.upstream)
			if err != nil {
				return false
			}
			grown, err := Fingerprint(n, append(append([]string{}, tc.upstream...), extra))
			if err != nil {
				return false
			}
			return fp != grown
		},
		genFingerprintTuple(),
		genShortName(),
	))

	properties.TestingRun(t)
}

// TestCanonicalJSONStabilityProperty verifies that canonicalization erases
// the syntactic freedoms of JSON: object key order and redundant numeric
// encodings.
func TestCanonicalJSONStabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is independent of object key order", prop.ForAll(
		func(params map[string]int64) bool {
			keys := make([]string, 0, len(params))
			for k := range params {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			asc := encodeObject(keys, params)
			desc := make([]string, len(keys))
			for i, k := range keys {
				desc[len(keys)-1-i] = k
			}
			rev := encodeObject(desc, params)

			ca, err := CanonicalJSON(json.RawMessage(asc))
			if err != nil {
				return false
			}
			cd, err := CanonicalJSON(json.RawMessage(rev))
			if err != nil {
				return false
			}
			return string(ca) == string(cd)
		},
		genParamRecord(),
	))

	properties.Property("integral encodings normalize to the same form", prop.ForAll(
		func(n int64) bool {
			digits := strconv.FormatInt(n, 10)
			plain, err := CanonicalJSON(json.RawMessage(digits))
			if err != nil {
				return false
			}
			frac, err := CanonicalJSON(json.RawMessage(digits + ".0"))
			if err != nil {
				return false
			}
			exp, err := CanonicalJSON(json.RawMessage(digits + "e0"))
			if err != nil {
				return false
			}
			return string(plain) == digits && string(frac) == digits && string(exp) == digits
		},
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
	))

	properties.Property("canonicalization is idempotent", prop.ForAll(
		func(params map[string]int64) bool {
			raw, err := json.Marshal(params)
			if err != nil {
				return false
			}
			once, err := CanonicalJSON(raw)
			if err != nil {
				return false
			}
			twice, err := CanonicalJSON(once)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		genParamRecord(),
	))

	properties.TestingRun(t)
}

type fingerprintTuple struct {
	apiClass string
	provider string
	params   map[string]int64
	upstream []string
}

// encodeObject renders a JSON object with the given explicit key order.
func encodeObject(keys []string, params map[string]int64) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(params[k], 10))
	}
	b.WriteByte('}')
	return b.String()
}

// Generators

// genShortName generates a non-empty alphabetic identifier.
func genShortName() gopter.Gen {
	return gen.IntRange(1, 12).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

func genParamRecord() gopter.Gen {
	return gen.IntRange(0, 6).FlatMap(func(n any) gopter.Gen {
		return gopter.CombineGens(
			gen.SliceOfN(n.(int), genShortName()),
			gen.SliceOfN(n.(int), gen.Int64Range(-1_000_000, 1_000_000)),
		).Map(func(vals []any) map[string]int64 {
			keys := vals[0].([]string)
			nums := vals[1].([]int64)
			m := make(map[string]int64, len(keys))
			for i, k := range keys {
				m[k] = nums[i]
			}
			return m
		})
	}, reflect.TypeOf(map[string]int64{}))
}

func genFingerprintTuple() gopter.Gen {
	return gopter.CombineGens(
		genShortName(),
		genShortName(),
		genParamRecord(),
		gen.IntRange(0, 3).FlatMap(func(n any) gopter.Gen {
			return gen.SliceOfN(n.(int), genShortName())
		}, reflect.TypeOf([]string{})),
	).Map(func(vals []any) fingerprintTuple {
		return fingerprintTuple{
			apiClass: vals[0].(string),
			provider: vals[1].(string),
			params:   vals[2].(map[string]int64),
			upstream: vals[3].([]string),
		}
	})
}
