// Package dedup decides what happens to each incoming video: its frames
// are hashed, checked against the ignore set and the main index, and the
// video is routed to the library, the review area or the graveyard.
package dedup

import (
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "image/jpeg"
	_ "image/png"

	"gopkg.in/yaml.v3"

	"videodup/internal/hash"
	"videodup/internal/imgproc"
	"videodup/internal/index"
)

const ignoreManifest = "ignore.yaml"

// IgnoreSet holds the hashes of reference images that must never enter
// the index: channel logos, rating cards, studio intros. It is built once
// before a run and is read-only afterwards, so concurrent lookups from
// the extractor workers are safe.
type IgnoreSet struct {
	tree *index.Tree
	size int
}

type manifestEntry struct {
	File    string `yaml:"file"`
	ModTime int64  `yaml:"modtime"`
	Hash    string `yaml:"hash"`
	Mirror  string `yaml:"mirror"`
}

type manifest struct {
	Entries []manifestEntry `yaml:"entries"`
}

// LoadIgnoreSet hashes every image in dir, in both orientations. A YAML
// manifest in the dir caches hashes by file name and modification time so
// unchanged images are not decoded again. A missing or empty dir yields
// an empty set.
func LoadIgnoreSet(dir string, pre *imgproc.Preprocessor) (*IgnoreSet, error) {
	set := &IgnoreSet{tree: index.New(index.NewMemStore())}
	if dir == "" {
		return set, nil
	}

	dirents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ignore dir %s: %w", dir, err)
	}

	cached := map[string]manifestEntry{}
	if raw, err := os.ReadFile(filepath.Join(dir, ignoreManifest)); err == nil {
		var m manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			log.Printf("[Ignore] manifest unreadable, rehashing everything: %v", err)
		} else {
			for _, e := range m.Entries {
				cached[e.File] = e
			}
		}
	}

	var fresh manifest
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || name == ignoreManifest {
			continue
		}
		info, err := d.Info()
		if err != nil {
			return nil, fmt.Errorf("stat ignore image %s: %w", name, err)
		}

		entry, ok := cached[name]
		if !ok || entry.ModTime != info.ModTime().UnixNano() {
			h, err := hashIgnoreImage(filepath.Join(dir, name), pre)
			if err != nil {
				log.Printf("[Ignore] skipping %s: %v", name, err)
				continue
			}
			entry = manifestEntry{
				File:    name,
				ModTime: info.ModTime().UnixNano(),
				Hash:    h.String(),
				Mirror:  h.Mirror().String(),
			}
		}

		h, err := hash.Parse(entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("manifest hash for %s: %w", name, err)
		}
		m, err := hash.Parse(entry.Mirror)
		if err != nil {
			return nil, fmt.Errorf("manifest mirror hash for %s: %w", name, err)
		}

		fresh.Entries = append(fresh.Entries, entry)
		for _, ih := range []hash.Hash{h, m} {
			err := set.tree.Insert(ih, index.Entry{Video: name})
			if err != nil {
				return nil, fmt.Errorf("index ignore image %s: %w", name, err)
			}
		}
		set.size++
	}

	sort.Slice(fresh.Entries, func(i, j int) bool {
		return fresh.Entries[i].File < fresh.Entries[j].File
	})
	if err := writeManifest(dir, fresh); err != nil {
		log.Printf("[Ignore] could not update manifest: %v", err)
	}

	log.Printf("[Ignore] loaded %d reference images from %s", set.size, dir)
	return set, nil
}

func hashIgnoreImage(path string, pre *imgproc.Preprocessor) (hash.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	return pre.HashImage(img)
}

func writeManifest(dir string, m manifest) error {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ignoreManifest+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, ignoreManifest))
}

// Size is the number of reference images in the set.
func (s *IgnoreSet) Size() int { return s.size }

// Contains reports whether h is within tau of any reference hash.
func (s *IgnoreSet) Contains(h hash.Hash, tau int) (bool, error) {
	matches, err := s.tree.QueryWithin(h, tau)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// Add inserts a hash directly, bypassing the manifest. Used by tests and
// by callers that collect ignore hashes from places other than images.
func (s *IgnoreSet) Add(h hash.Hash) error {
	if err := s.tree.Insert(h, index.Entry{}); err != nil {
		return err
	}
	if err := s.tree.Insert(h.Mirror(), index.Entry{}); err != nil {
		return err
	}
	s.size++
	return nil
}
