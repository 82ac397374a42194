package artifacts

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Loader resolves an artifact by contract name.
type Loader interface {
	Load(name string) (*ContractArtifact, error)
}

// DirLoader finds artifacts under a Hardhat (artifacts/contracts/X.sol/X.json)
// or Foundry (out/X.sol/X.json) output directory.
//
// Names may be bare ("Router") or qualified by source file
// ("PancakeRouter.sol:Router") when a bare name is ambiguous.
type DirLoader struct {
	root string

	mu     sync.Mutex
	index  map[string][]string
	loaded map[string]*ContractArtifact
}

// NewDirLoader creates a loader rooted at dir. The directory is indexed on
// first use.
func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{root: dir, loaded: make(map[string]*ContractArtifact)}
}

// Load returns the artifact for name.
func (l *DirLoader) Load(name string) (*ContractArtifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if a, ok := l.loaded[name]; ok {
		return a, nil
	}
	if l.index == nil {
		if err := l.buildIndex(); err != nil {
			return nil, err
		}
	}

	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	a, err := ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if a.ContractName == "" {
		a.ContractName = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	l.loaded[name] = a
	return a, nil
}

// Names returns every indexed contract name, sorted.
func (l *DirLoader) Names() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.index == nil {
		if err := l.buildIndex(); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(l.index))
	for n := range l.index {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (l *DirLoader) buildIndex() error {
	index := make(map[string][]string)

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" || d.Name() == "cache" {
				return filepath.SkipDir
			}
			return nil
		}
		base := d.Name()
		if !strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".dbg.json") {
			return nil
		}
		// Only files inside a "<Source>.sol" directory are contract artifacts.
		if !strings.HasSuffix(filepath.Base(filepath.Dir(path)), ".sol") {
			return nil
		}
		name := strings.TrimSuffix(base, ".json")
		index[name] = append(index[name], path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index artifacts in %s: %w", l.root, err)
	}

	l.index = index
	return nil
}

func (l *DirLoader) resolve(name string) (string, error) {
	source, contract, qualified := strings.Cut(name, ":")
	if !qualified {
		contract, source = name, ""
	}

	candidates := l.index[contract]
	if source != "" {
		var filtered []string
		for _, p := range candidates {
			if filepath.Base(filepath.Dir(p)) == source {
				filtered = append(filtered, p)
			}
		}
		candidates = filtered
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w: %s in %s", ErrArtifactNotFound, name, l.root)
	case 1:
		return candidates[0], nil
	default:
		return "", fmt.Errorf("artifact name %s is ambiguous (%s), qualify it as <Source.sol>:%s",
			name, strings.Join(candidates, ", "), contract)
	}
}

var _ Loader = (*DirLoader)(nil)
