package buildsys

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

func envKey(name string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(name)
	}
	return name
}

// mergeEnv returns base with every entry of each layer applied on top. Later layers win.
func mergeEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string)
	overridden := make(map[string]bool)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
			overridden[envKey(k)] = true
		}
	}

	result := make([]string, 0, len(base)+len(merged))
	for _, item := range base {
		name := item
		if pos := strings.IndexByte(item, '='); pos >= 0 {
			name = item[:pos]
		}

		if !overridden[envKey(name)] {
			result = append(result, item)
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		result = append(result, k+"="+merged[k])
	}

	return result
}

// shellReadDir lists a directory for glob expansion
func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	result := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		// entries removed in the meantime are skipped
		if info, err := entry.Info(); err == nil {
			result = append(result, info)
		}
	}
	return result, nil
}

// lookupDocumentKey walks a decoded YAML/TOML/JSON document along a dotted key. Numeric
// parts index into lists. Returns nil if the key doesn't exist.
func lookupDocumentKey(doc interface{}, key string) (interface{}, error) {
	value := doc
	for _, part := range strings.Split(key, ".") {
		switch container := value.(type) {
		case nil:
			return nil, nil
		case map[string]interface{}:
			value = container[part]
		case map[interface{}]interface{}:
			value = container[part]
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, nil
			}
			value = container[idx]
		case []map[string]interface{}:
			// TOML arrays of tables
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, nil
			}
			value = container[idx]
		default:
			return nil, eris.Errorf("can't look up %s in a %T", part, value)
		}
	}

	return value, nil
}

// toStarlark converts decoded documents into Starlark values
func toStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case bool:
		return starlark.Bool(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case int64:
		return starlark.MakeInt64(value), nil
	case uint64:
		return starlark.MakeUint64(value), nil
	case float64:
		return starlark.Float(value), nil
	case time.Time:
		return starlark.String(value.Format(time.RFC3339)), nil
	case []interface{}:
		items := make(starlark.Tuple, len(value))
		for idx, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[idx] = converted
		}
		return items, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(value))
		for k, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err = dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[interface{}]interface{}:
		dict := starlark.NewDict(len(value))
		for k, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err = dict.SetKey(starlark.String(fmt.Sprint(k)), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("unsupported value %v of type %T", value, value)
}
