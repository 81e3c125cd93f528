package tpbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// MkdirSentinel as a dependency url means "create an empty source directory".
const MkdirSentinel = "mkdir"

// Instrumentation restricts which variants of a group a dependency is built in.
type Instrumentation string

const (
	InstrumentAny   Instrumentation = "any"
	InstrumentOnly  Instrumentation = "only"
	InstrumentNever Instrumentation = "never"
)

// ExtraDownload is an additional archive unpacked inside a dependency's sources.
type ExtraDownload struct {
	Archive  string
	URL      string
	Dir      string     // relative to the dependency source dir
	PostExec [][]string // commands run inside Dir after extraction
}

// Descriptor is one catalog entry. It is read-only once the catalog is loaded.
type Descriptor struct {
	Name            string
	Dir             string
	Archive         string
	URL             string
	PatchVersion    int
	Patches         []string
	PatchStrip      int
	PostPatch       [][]string
	Group           BuildGroup
	Instrumentation Instrumentation
	CopySources     bool
	Platforms       []Platform
	Extras          []ExtraDownload
	Recipe          Recipe
	DefinitionFile  string // path relative to the third-party root
}

// IsEmptyDir reports whether the dependency has no archive of its own.
func (d *Descriptor) IsEmptyDir() bool {
	return d.URL == MkdirSentinel
}

// ShouldBuild reports whether the dependency is built in a variant of its
// group with the given instrumentation.
func (d *Descriptor) ShouldBuild(instrumented bool) bool {
	switch d.Instrumentation {
	case InstrumentOnly:
		return instrumented
	case InstrumentNever:
		return !instrumented
	}
	return true
}

// MarkerName is the install marker file inside the source dir.
func (d *Descriptor) MarkerName() string {
	return fmt.Sprintf("patchlevel-%d", d.PatchVersion)
}

// Archives lists every archive filename the dependency needs fetched.
func (d *Descriptor) Archives() []string {
	var names []string
	if !d.IsEmptyDir() {
		names = append(names, d.Archive)
	}
	for _, e := range d.Extras {
		names = append(names, e.Archive)
	}
	return names
}

// availableOn reports whether the dependency is built on p.
func (d *Descriptor) availableOn(p Platform) bool {
	return len(d.Platforms) == 0 || slices.Contains(d.Platforms, p)
}

// Catalog is the ordered list of dependencies. Order is build order.
type Catalog struct {
	deps   []*Descriptor
	byName map[string]*Descriptor
}

// NewCatalog validates deps and builds a catalog in the given order.
func NewCatalog(deps ...*Descriptor) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]*Descriptor, len(deps))}
	dirs := make(map[string]string, len(deps))
	for _, d := range deps {
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: dependency %s listed twice", ErrConfiguration, d.Name)
		}
		if other, dup := dirs[d.Dir]; dup {
			return nil, fmt.Errorf("%w: dependencies %s and %s share source dir %s", ErrConfiguration, other, d.Name, d.Dir)
		}
		dirs[d.Dir] = d.Name
		c.byName[d.Name] = d
		c.deps = append(c.deps, d)
	}
	return c, nil
}

func validateDescriptor(d *Descriptor) error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: dependency without a name", ErrConfiguration)
	case d.Dir == "" || strings.Contains(d.Dir, "..") || filepath.IsAbs(d.Dir):
		return fmt.Errorf("%w: %s: invalid dir %q", ErrConfiguration, d.Name, d.Dir)
	case !d.IsEmptyDir() && d.Archive == "":
		return fmt.Errorf("%w: %s: archive is required unless url is %q", ErrConfiguration, d.Name, MkdirSentinel)
	case d.Recipe == nil:
		return fmt.Errorf("%w: %s: no recipe", ErrConfiguration, d.Name)
	case d.PatchVersion < 0 || d.PatchStrip < 0:
		return fmt.Errorf("%w: %s: patch_version and patch_strip must not be negative", ErrConfiguration, d.Name)
	}
	switch d.Group {
	case GroupCommon, GroupInstrumented:
	default:
		return fmt.Errorf("%w: %s: unknown build_group %q", ErrConfiguration, d.Name, d.Group)
	}
	switch d.Instrumentation {
	case InstrumentAny, InstrumentOnly, InstrumentNever:
	default:
		return fmt.Errorf("%w: %s: unknown instrumented value %q", ErrConfiguration, d.Name, d.Instrumentation)
	}
	for _, e := range d.Extras {
		if e.Archive == "" || e.Dir == "" || strings.Contains(e.Dir, "..") || filepath.IsAbs(e.Dir) {
			return fmt.Errorf("%w: %s: extra_download needs archive and a relative dir", ErrConfiguration, d.Name)
		}
	}
	return nil
}

// All returns the dependencies in build order.
func (c *Catalog) All() []*Descriptor {
	return slices.Clone(c.deps)
}

// Lookup finds a dependency by name.
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Select returns the named dependencies in catalog order. No names selects
// everything. Any unknown name fails the whole selection.
func (c *Catalog) Select(names []string) ([]*Descriptor, error) {
	if len(names) == 0 {
		return c.All(), nil
	}
	want := make(map[string]bool, len(names))
	var unknown []string
	for _, n := range names {
		if _, ok := c.Lookup(n); !ok {
			unknown = append(unknown, n)
			continue
		}
		want[n] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, strings.Join(unknown, ", "))
	}
	var out []*Descriptor
	for _, d := range c.deps {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}

// hclCatalogFile is the top-level thirdparty.hcl.
type hclCatalogFile struct {
	BuildOrder []string `hcl:"build_order"`
}

// hclDefinitionFile is one build_definitions/<name>.hcl.
type hclDefinitionFile struct {
	Dependencies []*hclDependency `hcl:"dependency,block"`
}

type hclDependency struct {
	Name           string              `hcl:"name,label"`
	Dir            string              `hcl:"dir"`
	Archive        string              `hcl:"archive,optional"`
	URL            string              `hcl:"url,optional"`
	PatchVersion   int                 `hcl:"patch_version,optional"`
	Patches        []string            `hcl:"patches,optional"`
	PatchStrip     *int                `hcl:"patch_strip,optional"`
	PostPatch      [][]string          `hcl:"post_patch,optional"`
	BuildGroup     string              `hcl:"build_group,optional"`
	Instrumented   string              `hcl:"instrumented,optional"`
	CopySources    bool                `hcl:"copy_sources,optional"`
	Platforms      []string            `hcl:"platforms,optional"`
	ExtraDownloads []*hclExtraDownload `hcl:"extra_download,block"`
	Recipe         *hclRecipe          `hcl:"recipe,block"`
}

type hclExtraDownload struct {
	Archive  string     `hcl:"archive"`
	URL      string     `hcl:"url,optional"`
	Dir      string     `hcl:"dir"`
	PostExec [][]string `hcl:"post_exec,optional"`
}

type hclRecipe struct {
	Kind     string     `hcl:"kind,label"`
	Args     []string   `hcl:"args,optional"`
	SrcDir   string     `hcl:"src_dir,optional"`
	Targets  []string   `hcl:"targets,optional"`
	Commands [][]string `hcl:"commands,optional"`
	Install  *bool      `hcl:"install,optional"`
}

// LoadCatalog reads thirdparty.hcl and the definitions it lists. Dependencies
// not available on platform are left out of the catalog.
func LoadCatalog(layout Layout, platform Platform) (*Catalog, error) {
	parser := hclparse.NewParser()

	indexFile, diags := parser.ParseHCLFile(layout.CatalogFile())
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrConfiguration, layout.CatalogFile(), diags)
	}
	var index hclCatalogFile
	if diags := gohcl.DecodeBody(indexFile.Body, nil, &index); diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrConfiguration, layout.CatalogFile(), diags)
	}

	var deps []*Descriptor
	for _, name := range index.BuildOrder {
		dep, err := loadDefinition(parser, layout, name)
		if err != nil {
			return nil, err
		}
		if !dep.availableOn(platform) {
			debugf("Skipping %s: not built on %s\n", dep.Name, platform)
			continue
		}
		deps = append(deps, dep)
	}
	return NewCatalog(deps...)
}

func definitionPath(name string) string {
	return filepath.Join(definitionsDir, strings.ReplaceAll(name, "-", "_")+".hcl")
}

func loadDefinition(parser *hclparse.Parser, layout Layout, name string) (*Descriptor, error) {
	rel := definitionPath(name)
	path := filepath.Join(layout.Root, rel)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: no definition for %s: %v", ErrConfiguration, name, err)
	}

	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrConfiguration, path, diags)
	}
	var def hclDefinitionFile
	if diags := gohcl.DecodeBody(file.Body, nil, &def); diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrConfiguration, path, diags)
	}
	if len(def.Dependencies) != 1 || def.Dependencies[0].Name != name {
		return nil, fmt.Errorf("%w: %s must contain exactly one dependency %q block", ErrConfiguration, path, name)
	}

	dep, err := def.Dependencies[0].toDescriptor()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dep.DefinitionFile = rel
	return dep, nil
}

func (h *hclDependency) toDescriptor() (*Descriptor, error) {
	d := &Descriptor{
		Name:            h.Name,
		Dir:             h.Dir,
		Archive:         h.Archive,
		URL:             h.URL,
		PatchVersion:    h.PatchVersion,
		Patches:         h.Patches,
		PatchStrip:      1,
		PostPatch:       h.PostPatch,
		Group:           BuildGroup(h.BuildGroup),
		Instrumentation: Instrumentation(h.Instrumented),
		CopySources:     h.CopySources,
	}
	if h.PatchStrip != nil {
		d.PatchStrip = *h.PatchStrip
	}
	if d.Group == "" {
		d.Group = GroupCommon
	}
	if d.Instrumentation == "" {
		d.Instrumentation = InstrumentAny
	}
	for _, p := range h.Platforms {
		plat, err := ParsePlatform(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, h.Name, err)
		}
		d.Platforms = append(d.Platforms, plat)
	}
	for _, e := range h.ExtraDownloads {
		d.Extras = append(d.Extras, ExtraDownload{
			Archive:  e.Archive,
			URL:      e.URL,
			Dir:      e.Dir,
			PostExec: e.PostExec,
		})
	}
	if h.Recipe == nil {
		return nil, fmt.Errorf("%w: %s: missing recipe block", ErrConfiguration, h.Name)
	}
	recipe, err := newRecipe(h.Recipe)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.Name, err)
	}
	d.Recipe = recipe
	return d, nil
}
