package buildsys

import (
	"encoding/gob"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

type cacheHeader struct {
	Options    map[string]string
	Sources    map[string]time.Time
	EnvLookups map[string]EnvLookup
	PathKinds  map[string]PathKind
}

// WriteCache stores the parsed script together with the option values it was parsed with
// and the env variables and paths it looked at
func WriteCache(file string, options map[string]string, script *Script) error {
	handle, err := os.Create(file)
	if err != nil {
		return eris.Wrapf(err, "failed to create cache %s", file)
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(cacheHeader{
		Options:    options,
		Sources:    script.Sources,
		EnvLookups: script.EnvLookups,
		PathKinds:  script.PathKinds,
	})
	if err != nil {
		return eris.Wrap(err, "failed to encode cache header")
	}

	err = encoder.Encode(script.Options)
	if err != nil {
		return eris.Wrap(err, "failed to encode options")
	}

	err = encoder.Encode(script.Tasks)
	if err != nil {
		return eris.Wrap(err, "failed to encode tasks")
	}

	return nil
}

// ReadCache returns the cached script if it was parsed with the same options and none of
// its sources, env variables or checked paths changed since. A stale or missing cache
// returns (nil, nil).
func ReadCache(file string, options map[string]string) (*Script, error) {
	handle, err := os.Open(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to open cache %s", file)
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var header cacheHeader
	err = decoder.Decode(&header)
	if err != nil {
		return nil, eris.Wrap(err, "failed to decode cache header")
	}

	if !optionsEqual(header.Options, options) || !sourcesUnchanged(header.Sources) ||
		!envUnchanged(header.EnvLookups) || !pathsUnchanged(header.PathKinds) {
		return nil, nil
	}

	script := &Script{
		Sources:    header.Sources,
		EnvLookups: header.EnvLookups,
		PathKinds:  header.PathKinds,
	}
	err = decoder.Decode(&script.Options)
	if err != nil {
		return nil, eris.Wrap(err, "failed to decode options")
	}

	err = decoder.Decode(&script.Tasks)
	if err != nil {
		return nil, eris.Wrap(err, "failed to decode tasks")
	}

	return script, nil
}

func sourcesUnchanged(sources map[string]time.Time) bool {
	if len(sources) == 0 {
		return false
	}

	for path, modTime := range sources {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Equal(modTime) {
			return false
		}
	}

	return true
}

func envUnchanged(lookups map[string]EnvLookup) bool {
	for key, lookup := range lookups {
		value, ok := os.LookupEnv(key)
		if ok != lookup.Set || value != lookup.Value {
			return false
		}
	}

	return true
}

func pathsUnchanged(kinds map[string]PathKind) bool {
	for path, kind := range kinds {
		info, _ := os.Stat(path)

		if pathKindOf(info) != kind {
			return false
		}
	}

	return true
}

func optionsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		other, ok := b[k]
		if !ok || other != v {
			return false
		}
	}

	return true
}
