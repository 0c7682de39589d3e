package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/mitchellh/mapstructure"
)

var (
	errDeleted = errors.New("version is deleted or destroyed")

	timeType = reflect.TypeOf(time.Time{})
)

// Metadata is the version information returned with a secret.
type Metadata struct {
	Version        int
	CreatedTime    time.Time
	DeletionTime   *time.Time
	Destroyed      bool
	CustomMetadata map[string]string
}

// Secret is a decoded KV2 read.
type Secret struct {
	// Data holds the secret fields as decoded from JSON.
	Data     map[string]interface{}
	Metadata Metadata
}

type readResponse struct {
	Data *struct {
		Data     map[string]interface{} `json:"data"`
		Metadata *struct {
			Version        *int64            `json:"version"`
			CreatedTime    *string           `json:"created_time"`
			DeletionTime   string            `json:"deletion_time"`
			Destroyed      bool              `json:"destroyed"`
			CustomMetadata map[string]string `json:"custom_metadata"`
		} `json:"metadata"`
	} `json:"data"`
}

func decodeSecret(body []byte) (*Secret, error) {
	var rr readResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&rr); err != nil {
		// never echo the body, it holds the secret.
		return nil, fmt.Errorf("invalid json body (%d bytes)", len(body))
	}

	var errs errsx.Map
	if rr.Data == nil {
		errs.Set("data", "missing")
		return nil, errs.AsError()
	}
	md := rr.Data.Metadata
	if md == nil {
		errs.Set("data.metadata", "missing")
		return nil, errs.AsError()
	}

	meta := Metadata{
		Destroyed:      md.Destroyed,
		CustomMetadata: md.CustomMetadata,
	}
	switch {
	case md.Version == nil:
		errs.Set("data.metadata.version", "missing")
	case *md.Version < 1:
		errs.Set("data.metadata.version", "must be >= 1")
	case *md.Version > math.MaxInt32:
		errs.Set("data.metadata.version", "out of range")
	default:
		meta.Version = int(*md.Version)
	}
	if md.CreatedTime == nil {
		errs.Set("data.metadata.created_time", "missing")
	} else if t, err := time.Parse(time.RFC3339, *md.CreatedTime); err != nil {
		errs.Set("data.metadata.created_time", "not an RFC 3339 timestamp")
	} else {
		meta.CreatedTime = t
	}
	if md.DeletionTime != "" {
		t, err := time.Parse(time.RFC3339, md.DeletionTime)
		if err != nil {
			errs.Set("data.metadata.deletion_time", "not an RFC 3339 timestamp")
		} else {
			meta.DeletionTime = &t
		}
	}
	if err := errs.AsError(); err != nil {
		return nil, err
	}

	if rr.Data.Data == nil {
		if meta.DeletionTime != nil || meta.Destroyed {
			return nil, fmt.Errorf("version %d: %w", meta.Version, errDeleted)
		}
		errs.Set("data.data", "missing")
		return nil, errs.AsError()
	}

	return &Secret{
		Data:     rr.Data.Data,
		Metadata: meta,
	}, nil
}

// Strings returns the payload as field name to string value. Any non string
// value is a shape mismatch.
func (s *Secret) Strings() (map[string]string, error) {
	out := make(map[string]string, len(s.Data))
	if err := s.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode decodes the payload into target, a non-nil pointer to a struct or a
// map with string keys. Struct fields are named by their json tag, or by the
// Go field name when untagged; keys are matched exactly. Fields of embedded
// structs are promoted to the enclosing object. A field is required unless it
// is a pointer or tagged omitempty; present values must have the exact JSON
// type of the field. The check fails closed: target is left untouched unless
// the whole payload matches, in which case it is replaced.
//
// Errors name the offending fields and types, never the values.
func (s *Secret) Decode(target interface{}) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("%w: target must be a non-nil pointer", ErrShapeMismatch)
	}
	elem := rv.Type().Elem()
	if elem.Kind() != reflect.Struct && elem.Kind() != reflect.Map {
		return fmt.Errorf("%w: target must point to a struct or a map", ErrShapeMismatch)
	}

	var errs errsx.Map
	checkValue(&errs, "", s.Data, elem)
	if err := errs.AsError(); err != nil {
		return fmt.Errorf("%w: invalid fields [%s]: %w", ErrShapeMismatch, fieldList(errs), err)
	}

	result := reflect.New(elem)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     result.Interface(),
		TagName:    "json",
		Squash:     true,
		MatchName:  func(mapKey, fieldName string) bool { return mapKey == fieldName },
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if err := decoder.Decode(s.Data); err != nil {
		// mapstructure errors quote the values, do not surface them.
		return fmt.Errorf("%w: payload could not be assigned to %s", ErrShapeMismatch, elem)
	}
	rv.Elem().Set(result.Elem())
	return nil
}

func checkValue(errs *errsx.Map, key string, v interface{}, t reflect.Type) {
	label := key
	if label == "" {
		label = "payload"
	}
	if t == timeType {
		s, ok := v.(string)
		if !ok {
			errs.Set(label, "expected timestamp string, got "+jsonType(v))
		} else if _, err := time.Parse(time.RFC3339, s); err != nil {
			errs.Set(label, "not an RFC 3339 timestamp")
		}
		return
	}

	switch t.Kind() {
	case reflect.Interface:
		return
	case reflect.Ptr:
		if v != nil {
			checkValue(errs, key, v, t.Elem())
		}
		return
	}

	if v == nil {
		errs.Set(label, "must not be null")
		return
	}

	switch t.Kind() {
	case reflect.String:
		if _, ok := v.(string); !ok {
			errs.Set(label, "expected string, got "+jsonType(v))
		}
	case reflect.Bool:
		if _, ok := v.(bool); !ok {
			errs.Set(label, "expected boolean, got "+jsonType(v))
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, ok := v.(float64)
		switch {
		case !ok:
			errs.Set(label, "expected integer, got "+jsonType(v))
		case f != math.Trunc(f):
			errs.Set(label, "expected integer, got fractional number")
		case t.Kind() >= reflect.Uint && f < 0:
			errs.Set(label, "expected unsigned integer, got negative number")
		case overflows(t, f):
			errs.Set(label, "number out of range for "+t.Kind().String())
		}
	case reflect.Float32, reflect.Float64:
		if _, ok := v.(float64); !ok {
			errs.Set(label, "expected number, got "+jsonType(v))
		}
	case reflect.Slice, reflect.Array:
		items, ok := v.([]interface{})
		if !ok {
			errs.Set(label, "expected array, got "+jsonType(v))
			return
		}
		if t.Kind() == reflect.Array && len(items) > t.Len() {
			errs.Set(label, fmt.Sprintf("expected at most %d items, got %d", t.Len(), len(items)))
			return
		}
		for i, item := range items {
			checkValue(errs, fmt.Sprintf("%s[%d]", label, i), item, t.Elem())
		}
	case reflect.Map:
		m, ok := v.(map[string]interface{})
		if !ok {
			errs.Set(label, "expected object, got "+jsonType(v))
			return
		}
		if t.Key().Kind() != reflect.String {
			errs.Set(label, "map keys must be strings")
			return
		}
		for k, item := range m {
			checkValue(errs, join(key, k), item, t.Elem())
		}
	case reflect.Struct:
		m, ok := v.(map[string]interface{})
		if !ok {
			errs.Set(label, "expected object, got "+jsonType(v))
			return
		}
		checkStruct(errs, key, m, t)
	default:
		errs.Set(label, "unsupported field type "+t.String())
	}
}

func checkStruct(errs *errsx.Map, prefix string, m map[string]interface{}, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			checkStruct(errs, prefix, m, field.Type)
			continue
		}
		name, optional := fieldName(field)
		if name == "-" {
			continue
		}
		key := join(prefix, name)
		v, present := m[name]
		if !present {
			if !optional && field.Type.Kind() != reflect.Ptr {
				errs.Set(key, "missing")
			}
			continue
		}
		checkValue(errs, key, v, field.Type)
	}
}

func overflows(t reflect.Type, f float64) bool {
	if t.Kind() >= reflect.Uint {
		return f >= math.MaxUint64 || reflect.Zero(t).OverflowUint(uint64(f))
	}
	return f >= math.MaxInt64 || f < math.MinInt64 || reflect.Zero(t).OverflowInt(int64(f))
}

func fieldName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	optional := false
	for _, opt := range strings.Split(opts, ",") {
		if opt == "omitempty" {
			optional = true
		}
	}
	return name, optional
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func fieldList(errs errsx.Map) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
