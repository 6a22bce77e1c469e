package module

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// ManifestFile is the file name looked up in every module directory.
const ManifestFile = "module.hcl"

// Manifest is the decoded module.hcl of one module directory.
type Manifest struct {
	Metadata
	Enabled  bool
	Settings Config
	Path     string
}

// manifestRoot mirrors the top level of module.hcl.
type manifestRoot struct {
	Name         *string   `hcl:"name,optional"`
	Version      *string   `hcl:"version,optional"`
	Description  *string   `hcl:"description,optional"`
	Enabled      *bool     `hcl:"enabled,optional"`
	Dependencies []string  `hcl:"dependencies,optional"`
	Settings     *settings `hcl:"settings,block"`
	Remain       hcl.Body  `hcl:",remain"`
}

type settings struct {
	Body hcl.Body `hcl:",remain"`
}

// LoadManifest reads dir/module.hcl. A missing file yields an enabled
// manifest with empty settings, since the manifest is optional.
func LoadManifest(ctx context.Context, name, dir string) (*Manifest, error) {
	logger := ctxlog.FromContext(ctx)
	m := &Manifest{
		Metadata: Metadata{Name: name},
		Enabled:  true,
		Settings: Config{values: map[string]cty.Value{}},
		Path:     dir,
	}

	path := filepath.Join(dir, ManifestFile)
	src, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("No manifest found, using defaults.", "module", name, "path", path)
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, diags)
	}

	evalCtx := manifestEvalContext()
	var root manifestRoot
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, diags)
	}

	if root.Name != nil && *root.Name != name {
		return nil, fmt.Errorf("manifest %s declares name %q, directory implies %q", path, *root.Name, name)
	}
	if root.Version != nil {
		m.Version = *root.Version
	}
	if root.Description != nil {
		m.Description = *root.Description
	}
	if root.Enabled != nil {
		m.Enabled = *root.Enabled
	}
	m.Dependencies = root.Dependencies

	if root.Settings != nil {
		attrs, diags := root.Settings.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to read settings in %s: %w", path, diags)
		}
		for key, attr := range attrs {
			val, diags := attr.Expr.Value(evalCtx)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to evaluate setting %q in %s: %w", key, path, diags)
			}
			m.Settings.values[key] = val
		}
	}

	logger.Debug("Manifest loaded.", "module", name, "version", m.Version, "enabled", m.Enabled, "settings", len(m.Settings.values))
	return m, nil
}

// manifestEvalContext exposes env("NAME") so secrets stay out of manifests.
func manifestEvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": function.New(&function.Spec{
				Params: []function.Parameter{{Name: "name", Type: cty.String}},
				Type:   function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
					return cty.StringVal(os.Getenv(args[0].AsString())), nil
				},
			}),
		},
	}
}
