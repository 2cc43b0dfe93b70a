package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// EnvLoader overrides configuration fields from environment variables. The
// variable of a field is the prefix followed by the upper-cased yaml keys
// of its path: device.simulate becomes NVSTREAM_DEVICE_SIMULATE.
type EnvLoader struct {
	prefix string
}

// NewEnvLoader creates a loader reading the process environment
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
	}
}

// Load applies every set variable to config
func (el *EnvLoader) Load(config *Config) error {
	return el.loadStruct(reflect.ValueOf(config).Elem(), el.prefix)
}

func (el *EnvLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		name := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = fieldType.Name
		}
		envName := el.buildEnvName(prefix, name)

		var err error
		switch field.Kind() {
		case reflect.Struct:
			err = el.loadStruct(field, envName)
		case reflect.Slice:
			err = el.loadSlice(field, envName)
		case reflect.Map:
			err = el.loadMap(field, envName)
		default:
			err = el.loadField(field, envName)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (el *EnvLoader) loadField(field reflect.Value, envName string) error {
	value, ok := os.LookupEnv(envName)
	if !ok || value == "" {
		return nil
	}
	return setScalar(field, value, envName)
}

func setScalar(field reflect.Value, value, envName string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", envName, err)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", envName, err)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		// Base 0 so that alignments can be written in hex.
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer for %s: %w", envName, err)
		}
		field.SetUint(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", envName, err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field type %s for %s", field.Kind(), envName)
	}

	return nil
}

// loadSlice splits a comma separated value
func (el *EnvLoader) loadSlice(field reflect.Value, envName string) error {
	value, ok := os.LookupEnv(envName)
	if !ok || value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
	for i, part := range parts {
		if err := setScalar(slice.Index(i), strings.TrimSpace(part), envName); err != nil {
			return err
		}
	}

	field.Set(slice)
	return nil
}

// loadMap sets one key per variable below envPrefix. Keys are lower-cased:
// NVSTREAM_LOGGING_MODULE_LEVELS_RING=debug sets module_levels["ring"].
func (el *EnvLoader) loadMap(field reflect.Value, envPrefix string) error {
	if field.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("only string keys are supported for maps in env vars")
	}

	prefix := envPrefix + "_"
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}

		elem := reflect.New(field.Type().Elem()).Elem()
		if err := setScalar(elem, value, key); err != nil {
			return err
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		mapKey := strings.ToLower(strings.TrimPrefix(key, prefix))
		field.SetMapIndex(reflect.ValueOf(mapKey), elem)
	}

	return nil
}

func (el *EnvLoader) buildEnvName(prefix, fieldName string) string {
	envName := strings.ToUpper(fieldName)
	envName = strings.ReplaceAll(envName, "-", "_")
	envName = strings.ReplaceAll(envName, ".", "_")

	if prefix != "" {
		return prefix + "_" + envName
	}
	return envName
}
