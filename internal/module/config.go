package module

import (
	"fmt"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Config is the evaluated settings block of a module manifest. Getters fall
// back to the supplied default when a key is absent, null or of the wrong
// type.
type Config struct {
	values map[string]cty.Value
}

// NewConfig builds a Config from native Go values. It is mainly useful in
// tests and for defaults assembled in code.
func NewConfig(values map[string]any) (Config, error) {
	out := make(map[string]cty.Value, len(values))
	for k, v := range values {
		cv, err := toCtyValue(v)
		if err != nil {
			return Config{}, fmt.Errorf("setting %q: %w", k, err)
		}
		out[k] = cv
	}
	return Config{values: out}, nil
}

// Has reports whether key is set to a non-null value.
func (c Config) Has(key string) bool {
	v, ok := c.values[key]
	return ok && !v.IsNull() && v.IsKnown()
}

// Keys returns the sorted setting names.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c Config) String(key, def string) string {
	var s string
	if c.decode(key, &s) {
		return s
	}
	return def
}

func (c Config) Int(key string, def int) int {
	var n int
	if c.decode(key, &n) {
		return n
	}
	return def
}

func (c Config) Float(key string, def float64) float64 {
	var f float64
	if c.decode(key, &f) {
		return f
	}
	return def
}

func (c Config) Bool(key string, def bool) bool {
	var b bool
	if c.decode(key, &b) {
		return b
	}
	return def
}

// Duration reads a Go duration string such as "90s".
func (c Config) Duration(key string, def time.Duration) time.Duration {
	var s string
	if !c.decode(key, &s) {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// StringList reads a list or tuple of strings. Numbers and bools are
// converted to their string form.
func (c Config) StringList(key string) []string {
	if !c.Has(key) {
		return nil
	}
	lv, err := convert.Convert(c.values[key], cty.List(cty.String))
	if err != nil {
		return nil
	}
	var out []string
	if err := gocty.FromCtyValue(lv, &out); err != nil {
		return nil
	}
	return out
}

// Decode converts the value at key into target using gocty rules.
func (c Config) Decode(key string, target any) error {
	v, ok := c.values[key]
	if !ok {
		return fmt.Errorf("setting %q is not defined", key)
	}
	if err := gocty.FromCtyValue(v, target); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// Map returns every setting as native Go values.
func (c Config) Map() (map[string]any, error) {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		native, err := ctyToNative(v)
		if err != nil {
			return nil, fmt.Errorf("setting %q: %w", k, err)
		}
		out[k] = native
	}
	return out, nil
}

func (c Config) decode(key string, target any) bool {
	if !c.Has(key) {
		return false
	}
	return gocty.FromCtyValue(c.values[key], target) == nil
}

// ctyToNative recursively converts a cty.Value to its most natural Go counterpart.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()

	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert cty.Number to float64: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		slice := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, val := it.Element()
			nativeVal, err := ctyToNative(val)
			if err != nil {
				return nil, err
			}
			slice = append(slice, nativeVal)
		}
		return slice, nil

	case ty.IsObjectType() || ty.IsMapType():
		goMap := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, val := it.Element()
			keyStr := key.AsString()
			nativeVal, err := ctyToNative(val)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", keyStr, err)
			}
			goMap[keyStr] = nativeVal
		}
		return goMap, nil

	default:
		return nil, fmt.Errorf("unsupported cty type: %s", ty.FriendlyName())
	}
}

// toCtyValue converts a native Go value into its corresponding cty.Value.
func toCtyValue(v any) (cty.Value, error) {
	if v == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	switch tv := v.(type) {
	case []any:
		if len(tv) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(tv))
		for i, e := range tv {
			ev, err := toCtyValue(e)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = ev
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		if len(tv) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(tv))
		for k, e := range tv {
			ev, err := toCtyValue(e)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = ev
		}
		return cty.ObjectVal(attrs), nil
	}

	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("could not imply cty type for %T: %w", v, err)
	}
	return gocty.ToCtyValue(v, ty)
}
