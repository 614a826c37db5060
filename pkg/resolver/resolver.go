// Package resolver maps artifact directives onto deterministic destinations
// under the models root. The same (kind, link) always yields the same path,
// which is what makes fetching idempotent and pruning safe.
package resolver

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fly-io/modelworker/pkg/repolist"
)

// Extension is carried by every artifact the worker manages. Pruning only
// ever considers files with this extension.
const Extension = ".safetensors"

// hashLen keeps url-<hash> names identical to those already on worker disks.
const hashLen = 16

// Categories maps an entry kind to its subdirectory under the models root.
var Categories = map[string]string{
	"ckpt":         "checkpoints",
	"checkpoint":   "checkpoints",
	"lora":         "loras",
	"vae":          "vae",
	"controlnet":   "controlnet",
	"upscale":      "upscale_models",
	"clip_vision":  "clip_vision",
	"text_encoder": "text_encoders",
	"clip":         "clip",
	"embedding":    "embeddings",
	"unet":         "diffusion_models",
	"other":        "",
}

// Resolver computes destinations under a models root.
type Resolver struct {
	root string
}

// New creates a Resolver for the given models root.
func New(modelsRoot string) *Resolver {
	return &Resolver{root: filepath.Clean(modelsRoot)}
}

// Root returns the models root.
func (r *Resolver) Root() string {
	return r.root
}

// Subdir returns the category directory for kind; unknown kinds map to "".
func Subdir(kind string) string {
	return Categories[strings.ToLower(kind)]
}

// Dir returns the absolute directory an artifact of kind lands in.
func (r *Resolver) Dir(kind string) string {
	return filepath.Join(r.root, Subdir(kind))
}

// Resolve returns the destination path for (kind, link). It performs no I/O.
func (r *Resolver) Resolve(kind, link string) string {
	return filepath.Join(r.Dir(kind), Filename(link))
}

// Filename is the artifact file name for link: catalog identity when the link
// is a catalog reference, a short content hash of the link otherwise.
func Filename(link string) string {
	if ref, ok := ParseCatalogRef(link); ok {
		return ref.Filename()
	}
	return "url-" + shortHash(link) + Extension
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// WantedSet is the set of destinations implied by a repo list.
type WantedSet map[string]struct{}

// Wanted resolves every entry. It must be computed from the full list before
// any fetch or prune runs.
func (r *Resolver) Wanted(entries []repolist.Entry) WantedSet {
	set := make(WantedSet, len(entries))
	for _, e := range entries {
		set[r.Resolve(e.Kind, e.Link)] = struct{}{}
	}
	return set
}

// Has reports whether path is wanted.
func (w WantedSet) Has(path string) bool {
	_, ok := w[filepath.Clean(path)]
	return ok
}

// Sorted returns the wanted paths in lexical order.
func (w WantedSet) Sorted() []string {
	paths := make([]string, 0, len(w))
	for p := range w {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
