// Package bundle loads step validation bundles compiled to WebAssembly.
//
// A bundle must export:
//
//   - memory
//   - validate(data_ptr i32, data_len i32) -> i32 (0=valid, non-zero=invalid)
//   - get_error() -> i32 (ptr to a JSON object of field messages)
//   - get_error_len() -> i32 (length of that object)
//
// The host writes the step data as JSON at a fixed offset before calling
// validate. Bundles built with TinyGo may import WASI; it is provided.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/steps"
)

// dataOffset is where step data is written in bundle memory.
// TODO: use malloc/free exports once bundles need more than one page.
const dataOffset = uint32(2048)

// ErrNoBundle is returned when a step has no bundle configured.
var ErrNoBundle = errors.New("no bundle configured for step")

// Bundle is a compiled validation module. It implements
// wizard.DataValidator.
type Bundle struct {
	name    string
	runtime wazero.Runtime
	module  api.Module
	mu      sync.Mutex

	validateFn    api.Function
	getErrorFn    api.Function
	getErrorLenFn api.Function
}

// Open compiles and instantiates wasm.
func Open(ctx context.Context, name string, wasm []byte) (*Bundle, error) {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to compile bundle %s: %w", name, err)
	}

	// WithStartFunctions() keeps the module alive as a reactor.
	moduleConfig := wazero.NewModuleConfig().
		WithStderr(os.Stderr).
		WithName(name).
		WithStartFunctions()

	module, err := r.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate bundle %s: %w", name, err)
	}

	b := &Bundle{
		name:          name,
		runtime:       r,
		module:        module,
		validateFn:    module.ExportedFunction("validate"),
		getErrorFn:    module.ExportedFunction("get_error"),
		getErrorLenFn: module.ExportedFunction("get_error_len"),
	}
	if b.validateFn == nil {
		r.Close(ctx)
		return nil, fmt.Errorf("bundle %s missing required export 'validate'", name)
	}
	if module.Memory() == nil {
		r.Close(ctx)
		return nil, fmt.Errorf("bundle %s has no memory export", name)
	}
	return b, nil
}

// Name returns the bundle name.
func (b *Bundle) Name() string { return b.name }

// ValidateData runs the bundle's validate export over data.
func (b *Bundle) ValidateData(data wizard.FieldMap) error {
	return b.Validate(context.Background(), data)
}

// Validate is ValidateData with a caller-supplied context.
func (b *Bundle) Validate(ctx context.Context, data wizard.FieldMap) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data == nil {
		data = wizard.FieldMap{}
	}
	input, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("bundle %s: encode data: %w", b.name, err)
	}

	memory := b.module.Memory()
	if uint64(dataOffset)+uint64(len(input)) > uint64(memory.Size()) {
		return wizard.NewError(wizard.KindPayloadTooLarge, fmt.Sprintf("step data too large for bundle %s", b.name))
	}
	if !memory.Write(dataOffset, input) {
		return fmt.Errorf("bundle %s: failed to write data to memory", b.name)
	}

	results, err := b.validateFn.Call(ctx, uint64(dataOffset), uint64(len(input)))
	if err != nil {
		return fmt.Errorf("bundle %s: validate failed: %w", b.name, err)
	}
	if len(results) == 0 {
		return fmt.Errorf("bundle %s: validate returned no value", b.name)
	}
	if uint32(results[0]) == 0 {
		return nil
	}

	fields, err := b.readFieldErrors(ctx)
	if err != nil && config.IsDebug() {
		log.Printf("[bundle] %s: %v", b.name, err)
	}
	return wizard.NewError(wizard.KindValidation, "Please correct the highlighted fields.").WithFields(fields)
}

func (b *Bundle) readFieldErrors(ctx context.Context) (map[string]string, error) {
	if b.getErrorFn == nil || b.getErrorLenFn == nil {
		return nil, nil
	}

	ptrResults, err := b.getErrorFn.Call(ctx)
	if err != nil || len(ptrResults) == 0 {
		return nil, fmt.Errorf("get_error failed: %v", err)
	}
	lenResults, err := b.getErrorLenFn.Call(ctx)
	if err != nil || len(lenResults) == 0 {
		return nil, fmt.Errorf("get_error_len failed: %v", err)
	}

	n := uint32(lenResults[0])
	if n == 0 {
		return nil, nil
	}
	raw, ok := b.module.Memory().Read(uint32(ptrResults[0]), n)
	if !ok {
		return nil, fmt.Errorf("failed to read error at ptr=%d len=%d", uint32(ptrResults[0]), n)
	}

	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]string{"": string(raw)}, nil
	}
	return fields, nil
}

// Close releases the bundle's runtime.
func (b *Bundle) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runtime != nil {
		return b.runtime.Close(ctx)
	}
	return nil
}

// Loader resolves bundled steps into step modules. Each bundle is compiled
// once and shared by every loader derived with With.
type Loader struct {
	dir  string
	cfg  *config.Config
	opts []steps.Option
	set  *bundleSet
}

type bundleSet struct {
	mu    sync.Mutex
	cache map[wizard.Step]*Bundle
}

// NewLoader creates a loader resolving relative bundle paths against dir.
func NewLoader(dir string, cfg *config.Config, opts ...steps.Option) *Loader {
	return &Loader{
		dir:  dir,
		cfg:  cfg,
		opts: opts,
		set:  &bundleSet{cache: make(map[wizard.Step]*Bundle)},
	}
}

// With returns a loader that shares l's compiled bundles and adds opts to
// the modules it builds. Only the root loader should be closed.
func (l *Loader) With(opts ...steps.Option) *Loader {
	merged := append(append([]steps.Option{}, l.opts...), opts...)
	return &Loader{dir: l.dir, cfg: l.cfg, opts: merged, set: l.set}
}

// Bundle returns the compiled bundle for step.
func (l *Loader) Bundle(ctx context.Context, step wizard.Step) (*Bundle, error) {
	l.set.mu.Lock()
	defer l.set.mu.Unlock()

	if b, ok := l.set.cache[step]; ok {
		return b, nil
	}

	path := l.cfg.Step(string(step)).Bundle
	if path == "" {
		return nil, ErrNoBundle
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.dir, path)
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", path, err)
	}

	b, err := Open(ctx, string(step), wasm)
	if err != nil {
		return nil, err
	}
	l.set.cache[step] = b
	return b, nil
}

// Load builds a step module for step whose validation is the bundle.
func (l *Loader) Load(ctx context.Context, step wizard.Step) (wizard.StepModule, error) {
	b, err := l.Bundle(ctx, step)
	if err != nil {
		return nil, err
	}
	opts := append([]steps.Option{steps.WithValidator(b)}, l.opts...)
	return steps.NewFormStep(step, l.cfg.Step(string(step)), opts...), nil
}

// Close releases every compiled bundle.
func (l *Loader) Close(ctx context.Context) error {
	l.set.mu.Lock()
	defer l.set.mu.Unlock()
	var errs []error
	for step, b := range l.set.cache {
		if err := b.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(l.set.cache, step)
	}
	return errors.Join(errs...)
}
