package synthesize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// GenericNoticeCategory is the asset every library must carry: the
// last-resort "technical difficulty" message played when nothing closer
// matches.
const GenericNoticeCategory = "technical_difficulty"

// AssetLibrary holds pre-recorded PCM16 prompts keyed by category, used
// when live synthesis is unavailable. Assets are loaded once and served
// from memory; a loaded library is immutable.
type AssetLibrary struct {
	mu     sync.RWMutex
	assets map[string][]byte
}

// LoadAssets reads every *.pcm file in dir into a library. The file stem is
// the category name ("greeting.pcm" -> "greeting"). The directory must
// contain the generic technical-difficulty asset.
func LoadAssets(dir string) (*AssetLibrary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read asset dir %q: %w", dir, err)
	}

	lib := &AssetLibrary{assets: make(map[string][]byte)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pcm") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read asset %q: %w", entry.Name(), err)
		}
		category := strings.TrimSuffix(entry.Name(), ".pcm")
		lib.assets[category] = data
	}

	if _, ok := lib.assets[GenericNoticeCategory]; !ok {
		return nil, fmt.Errorf("asset dir %q missing %s.pcm", dir, GenericNoticeCategory)
	}
	return lib, nil
}

// NewAssetLibrary builds a library from in-memory assets, mainly for tests.
func NewAssetLibrary(assets map[string][]byte) *AssetLibrary {
	cp := make(map[string][]byte, len(assets))
	for k, v := range assets {
		cp[k] = v
	}
	return &AssetLibrary{assets: cp}
}

// Get returns the asset for a category.
func (l *AssetLibrary) Get(category string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	data, ok := l.assets[category]
	return data, ok
}

// Resolve returns the asset for category, falling back to the generic
// technical-difficulty notice when the category has no recording. The
// returned category names what was actually selected.
func (l *AssetLibrary) Resolve(category string) ([]byte, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if data, ok := l.assets[category]; ok {
		return data, category
	}
	return l.assets[GenericNoticeCategory], GenericNoticeCategory
}

// Categories lists the loaded category names.
func (l *AssetLibrary) Categories() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.assets))
	for k := range l.assets {
		out = append(out, k)
	}
	return out
}
