package script

import (
	"fmt"
	"math"
	"sort"

	"github.com/openbis/dropboxd/pkg/dropbox"
	"github.com/openbis/dropboxd/pkg/persistent"
	"github.com/openbis/dropboxd/pkg/types"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func newIncomingValue(u types.IncomingUnit) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"name":      starlark.String(u.Name),
		"path":      starlark.String(u.Path()),
		"real_path": starlark.String(u.RealPath),
	})
}

// newTransactionValue exposes a dropbox.Transaction as the "transaction"
// argument of process()
func newTransactionValue(tr dropbox.Transaction) starlark.Value {
	members := starlark.StringDict{
		"incoming":       newIncomingValue(tr.Incoming()),
		"persistent_map": newMapValue(tr.Context().PersistentMap),
	}

	members["create_new_data_set"] = starlark.NewBuiltin("create_new_data_set", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var dataSetType string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "type", &dataSetType); err != nil {
			return nil, err
		}
		ds, err := tr.CreateNewDataSet(dataSetType)
		if err != nil {
			return nil, err
		}
		return newDataSetValue(ds), nil
	})

	members["move_file"] = starlark.NewBuiltin("move_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var src string
		var ds *entity
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "src", &src, "data_set", &ds); err != nil {
			return nil, err
		}
		if ds.dataSet == nil {
			return nil, fmt.Errorf("%s: expected a data set, got %s", b.Name(), ds.Type())
		}
		dst, err := tr.MoveFile(src, ds.dataSet)
		if err != nil {
			return nil, err
		}
		return starlark.String(dst), nil
	})

	members["create_new_directory"] = starlark.NewBuiltin("create_new_directory", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var ds *entity
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data_set", &ds, "name", &name); err != nil {
			return nil, err
		}
		if ds.dataSet == nil {
			return nil, fmt.Errorf("%s: expected a data set, got %s", b.Name(), ds.Type())
		}
		dir, err := tr.CreateNewDirectory(ds.dataSet, name)
		if err != nil {
			return nil, err
		}
		return starlark.String(dir), nil
	})

	members["create_new_file"] = starlark.NewBuiltin("create_new_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var ds *entity
		var name, content string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data_set", &ds, "name", &name, "content?", &content); err != nil {
			return nil, err
		}
		if ds.dataSet == nil {
			return nil, fmt.Errorf("%s: expected a data set, got %s", b.Name(), ds.Type())
		}
		path, err := tr.CreateNewFile(ds.dataSet, name, []byte(content))
		if err != nil {
			return nil, err
		}
		return starlark.String(path), nil
	})

	members["create_new_sample"] = starlark.NewBuiltin("create_new_sample", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var identifier, sampleType string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "identifier", &identifier, "type", &sampleType); err != nil {
			return nil, err
		}
		s, err := tr.CreateNewSample(identifier, sampleType)
		if err != nil {
			return nil, err
		}
		return newSampleValue(s), nil
	})

	members["update_sample"] = starlark.NewBuiltin("update_sample", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var identifier string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "identifier", &identifier); err != nil {
			return nil, err
		}
		s, err := tr.UpdateSample(identifier)
		if err != nil {
			return nil, err
		}
		return newSampleValue(s), nil
	})

	members["create_new_experiment"] = starlark.NewBuiltin("create_new_experiment", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var identifier, experimentType string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "identifier", &identifier, "type", &experimentType); err != nil {
			return nil, err
		}
		e, err := tr.CreateNewExperiment(identifier, experimentType)
		if err != nil {
			return nil, err
		}
		return newExperimentValue(e), nil
	})

	return &starlarkstruct.Module{Name: "transaction", Members: members}
}

// newContextValue exposes the hook context
func newContextValue(dc *dropbox.Context) starlark.Value {
	codes := make(starlark.Tuple, 0, len(dc.DataSetCodes))
	for _, code := range dc.DataSetCodes {
		codes = append(codes, starlark.String(code))
	}
	return &starlarkstruct.Module{Name: "context", Members: starlark.StringDict{
		"incoming":        newIncomingValue(dc.Incoming),
		"registration_id": starlark.MakeInt64(int64(dc.RegistrationID)),
		"data_set_codes":  codes,
		"persistent_map":  newMapValue(dc.PersistentMap),
	}}
}

// entity is a data set, sample or experiment under construction
type entity struct {
	kind       string
	id         string
	properties map[string]string
	links      map[string]*string
	dataSet    *types.NewDataSet
}

func newDataSetValue(ds *types.NewDataSet) *entity {
	if ds.Properties == nil {
		ds.Properties = make(map[string]string)
	}
	return &entity{
		kind:       "data_set",
		id:         ds.Code,
		properties: ds.Properties,
		links: map[string]*string{
			"sample":     &ds.SampleIdentifier,
			"experiment": &ds.ExperimentIdentifier,
		},
		dataSet: ds,
	}
}

func newSampleValue(s *types.SampleMutation) *entity {
	if s.Properties == nil {
		s.Properties = make(map[string]string)
	}
	return &entity{
		kind:       "sample",
		id:         s.Identifier,
		properties: s.Properties,
		links:      map[string]*string{"experiment": &s.ExperimentIdentifier},
	}
}

func newExperimentValue(e *types.ExperimentMutation) *entity {
	if e.Properties == nil {
		e.Properties = make(map[string]string)
	}
	return &entity{
		kind:       "experiment",
		id:         e.Identifier,
		properties: e.Properties,
	}
}

var _ starlark.HasAttrs = (*entity)(nil)

func (e *entity) String() string        { return fmt.Sprintf("<%s %s>", e.kind, e.id) }
func (e *entity) Type() string          { return e.kind }
func (e *entity) Freeze()               {}
func (e *entity) Truth() starlark.Bool  { return starlark.True }
func (e *entity) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", e.kind) }

func (e *entity) Attr(name string) (starlark.Value, error) {
	switch name {
	case "code", "identifier":
		return starlark.String(e.id), nil
	case "set_property":
		return starlark.NewBuiltin(name, e.setProperty), nil
	case "get_property":
		return starlark.NewBuiltin(name, e.getProperty), nil
	}
	for link, target := range e.links {
		if name == "set_"+link {
			return starlark.NewBuiltin(name, e.setLink(target)), nil
		}
	}
	return nil, nil
}

func (e *entity) AttrNames() []string {
	names := []string{"code", "get_property", "identifier", "set_property"}
	for link := range e.links {
		names = append(names, "set_"+link)
	}
	sort.Strings(names)
	return names
}

func (e *entity) setProperty(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	e.properties[key] = value
	return starlark.None, nil
}

func (e *entity) getProperty(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	if v, ok := e.properties[key]; ok {
		return starlark.String(v), nil
	}
	return starlark.None, nil
}

func (e *entity) setLink(target *string) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var identifier string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "identifier", &identifier); err != nil {
			return nil, err
		}
		*target = identifier
		return starlark.None, nil
	}
}

// newMapValue exposes a persistent map with get, put and keys
func newMapValue(m *persistent.Map) starlark.Value {
	return &starlarkstruct.Module{Name: "persistent_map", Members: starlark.StringDict{
		"get": starlark.NewBuiltin("get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key string
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
				return nil, err
			}
			v, ok := m.Get(key)
			if !ok {
				return def, nil
			}
			return toStarlark(v), nil
		}),
		"put": starlark.NewBuiltin("put", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key string
			var value starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
				return nil, err
			}
			v, err := fromStarlark(value)
			if err != nil {
				return nil, err
			}
			if err := m.Put(key, v); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),
		"keys": starlark.NewBuiltin("keys", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			keys := m.Keys()
			out := make([]starlark.Value, len(keys))
			for i, k := range keys {
				out[i] = starlark.String(k)
			}
			return starlark.NewList(out), nil
		}),
	}}
}

// fromStarlark converts the portable subset of Starlark values
func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", v)
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := fromStarlark(v.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(v))
		for _, elem := range v {
			item, err := fromStarlark(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, kv := range v.Items() {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("persistent map keys must be strings, got %s", kv[0].Type())
			}
			item, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot store %s in the persistent map", v.Type())
	}
}

// toStarlark converts a persistent map value back. Integral numbers come
// back as ints.
func toStarlark(v any) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return starlark.MakeInt64(int64(v))
		}
		return starlark.Float(v)
	case string:
		return starlark.String(v)
	case []any:
		out := make([]starlark.Value, len(v))
		for i, item := range v {
			out[i] = toStarlark(item)
		}
		return starlark.NewList(out)
	case map[string]any:
		d := starlark.NewDict(len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), toStarlark(v[k]))
		}
		return d
	default:
		return starlark.String(fmt.Sprint(v))
	}
}
