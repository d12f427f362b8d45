package tracer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/weft-dev/weft/cas"
	"github.com/weft-dev/weft/vm"
)

// TraceSpec is the on-disk form of a trace request: which program and
// entry to trace, the inputs to bind, and how the tracer is configured.
type TraceSpec struct {
	Trace    TraceDetails         `toml:""`
	Inputs   map[string]InputSpec `toml:",omitempty"`
	Disabled []string             `toml:",omitempty"`
}

type TraceDetails struct {
	File      string `toml:",omitempty"`
	Entry     string `toml:",omitempty"`
	CacheSize int    `toml:"cache_size,omitempty"`
	LogLevel  string `toml:"log_level,omitempty"`
}

// InputSpec is one entry input. Exactly one field may be set.
type InputSpec struct {
	Tensor []float64 `toml:",omitempty"`
	Int    *int      `toml:",omitempty"`
	Float  *float64  `toml:",omitempty"`
	Str    *string   `toml:",omitempty"`
	Bool   *bool     `toml:",omitempty"`
}

// Value converts the input to its runtime form.
func (in InputSpec) Value() (vm.Value, error) {
	set := 0
	if in.Tensor != nil {
		set++
	}
	if in.Int != nil {
		set++
	}
	if in.Float != nil {
		set++
	}
	if in.Str != nil {
		set++
	}
	if in.Bool != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("an input needs exactly one of tensor, int, float, str, bool; got %d", set)
	}
	switch {
	case in.Tensor != nil:
		return vm.NewTensor(in.Tensor...), nil
	case in.Int != nil:
		return vm.IntValue(*in.Int), nil
	case in.Float != nil:
		return vm.FloatValue(*in.Float), nil
	case in.Str != nil:
		return vm.StrValue(*in.Str), nil
	default:
		return vm.BoolValue(*in.Bool), nil
	}
}

func parseSpec(f io.Reader) (*TraceSpec, error) {
	var out TraceSpec
	_, err := toml.NewDecoder(f).Decode(&out)
	return &out, err
}

// LoadSpecFromFile reads a trace spec. A spec that names no program file
// defaults to its own name with a .star suffix, resolved relative to the
// spec's directory.
func LoadSpecFromFile(path string) (*TraceSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	s, err := parseSpec(f)
	if err != nil {
		return nil, err
	}
	if s.Trace.File == "" {
		parts := strings.Split(fi.Name(), ".")
		parts = parts[:len(parts)-1]
		parts = append(parts, "star")
		s.Trace.File = strings.Join(parts, ".")
	}
	filedir := filepath.Dir(path)
	s.Trace.File = filepath.Clean(filepath.Join(filedir, s.Trace.File))
	if s.Trace.Entry == "" {
		return nil, fmt.Errorf("trace spec %s names no entry", path)
	}
	return s, nil
}

// Values converts the spec's inputs to their runtime forms.
func (s *TraceSpec) Values() (map[string]vm.Value, error) {
	out := make(map[string]vm.Value, len(s.Inputs))
	for name, in := range s.Inputs {
		v, err := in.Value()
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// BuildTracer compiles the spec's program and configures a tracer for
// it: disabled functions registered, cache attached when a size is set.
func (s *TraceSpec) BuildTracer() (*Tracer, error) {
	p, err := vm.CompilePath(s.Trace.File)
	if err != nil {
		return nil, err
	}
	t, err := New(p)
	if err != nil {
		return nil, err
	}
	for _, name := range s.Disabled {
		t.Disable(name)
	}
	if s.Trace.CacheSize > 0 {
		t.UseCache(cas.NewLRUCache(cas.NewMemoryCAS(), s.Trace.CacheSize))
	}
	return t, nil
}
