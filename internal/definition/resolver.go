package definition

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/rendis/pipeflow/pkg/schema"
)

// FileResolver loads SubPipeline references from disk. Relative references
// resolve against the directory of the referring definition, or BaseDir
// when the parent has no source file. Loaded definitions are cached by
// absolute path.
type FileResolver struct {
	loader  *Loader
	baseDir string

	mu    sync.Mutex
	cache map[string]*schema.Pipeline
}

// NewFileResolver creates a FileResolver. An empty baseDir means the working directory.
func NewFileResolver(loader *Loader, baseDir string) *FileResolver {
	return &FileResolver{loader: loader, baseDir: baseDir, cache: make(map[string]*schema.Pipeline)}
}

// Resolve implements engine.PipelineResolver.
func (r *FileResolver) Resolve(ctx context.Context, ref string, parent *schema.Pipeline) (*schema.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled").WithCause(err)
	}
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "sub-pipeline reference is empty")
	}

	path := ref
	if !filepath.IsAbs(path) {
		dir := r.baseDir
		if parent != nil && parent.Source != "" {
			dir = filepath.Dir(parent.Source)
		}
		path = filepath.Join(dir, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	r.mu.Lock()
	cached, ok := r.cache[path]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	p, err := r.loader.Load(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[path] = p
	r.mu.Unlock()
	return p, nil
}
