package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// FromKeyValues builds a Config from a section → key → value map, using the
// same names as the JSON file ("motor" → "kp" → "7"). Unknown sections or
// keys are errors.
func FromKeyValues(kv map[string]map[string]string) (*Config, error) {
	cfg := Empty()
	root := reflect.ValueOf(cfg).Elem()
	for section, keys := range kv {
		sf, ok := fieldByTag(root, section)
		if !ok {
			return nil, fmt.Errorf("unknown config section %q", section)
		}
		if sf.IsNil() {
			sf.Set(reflect.New(sf.Type().Elem()))
		}
		for key, value := range keys {
			f, ok := fieldByTag(sf.Elem(), key)
			if !ok {
				return nil, fmt.Errorf("unknown config key %s.%s", section, key)
			}
			if err := setPointer(f, value); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", section, key, err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// fieldByTag finds the struct field with the given JSON name, looking into
// embedded structs.
func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if f, ok := fieldByTag(v.Field(i), name); ok {
				return f, true
			}
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setPointer(f reflect.Value, s string) error {
	p := reflect.New(f.Type().Elem())
	switch e := p.Elem(); e.Kind() {
	case reflect.String:
		e.SetString(s)
	case reflect.Int:
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		e.SetInt(int64(v))
	case reflect.Float64:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		e.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		e.SetBool(v)
	default:
		return fmt.Errorf("unsupported field type %s", e.Type())
	}
	f.Set(p)
	return nil
}
