package lumos

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Mode selects how rewritten units are delivered.
type Mode string

const (
	// ModeOverlay writes rewritten files to a separate directory with an overlay file for `go build -overlay`.
	ModeOverlay Mode = "overlay"
	// ModeWrite rewrites the project files in place, recording what is needed to restore them.
	ModeWrite Mode = "write"
	// ModeDiff only prints unified diffs of the rewrite.
	ModeDiff Mode = "diff"
)

const overlayFileName = "overlay.json"

// ErrPendingRestore is returned when an in place rewrite is requested while a previous one was never restored.
var ErrPendingRestore = errors.New("a previous in place rewrite has not been restored, run with -restore first")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOverlay, ModeWrite, ModeDiff:
		return m, nil
	case "":
		return ModeOverlay, nil
	default:
		return "", fmt.Errorf("unknown mode %q, expected %s, %s, or %s", s, ModeOverlay, ModeWrite, ModeDiff)
	}
}

// OverlayFile is the json document accepted by the go command -overlay flag.
type OverlayFile struct {
	Replace map[string]string `json:"Replace"`
}

type renderedUnit struct {
	unit    *UnitResult
	content []byte
}

// renderChanged formats every changed unit, the result is sorted by path.
func renderChanged(units []*UnitResult) ([]renderedUnit, error) {
	writeCount := runtime.NumCPU()
	bufChan := make(chan *bytes.Buffer, writeCount)
	for i := 0; i < writeCount; i++ {
		bufChan <- bytes.NewBuffer(nil)
	}

	var mu sync.Mutex
	var rendered []renderedUnit
	var errGroup errgroup.Group
	for _, u := range units {
		if !u.Changed() {
			continue
		}
		buf := <-bufChan
		errGroup.Go(func() error {
			defer func() {
				bufChan <- buf
			}()
			if err := u.formatInto(buf); err != nil {
				return err
			}
			content := bytes.Clone(buf.Bytes())

			mu.Lock()
			defer mu.Unlock()
			rendered = append(rendered, renderedUnit{unit: u, content: content})
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(rendered, func(i, j int) bool {
		return rendered[i].unit.Path < rendered[j].unit.Path
	})
	return rendered, nil
}

// relativePath returns the slash separated path of file relative to dir, or the path unchanged if it is not
// relative to the dir.
func relativePath(dir, file string) string {
	if dir == "" {
		return filepath.ToSlash(file)
	}
	rel, err := filepath.Rel(dir, file)
	if err != nil {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

// WriteOverlay writes the changed units beneath overlayDir, mirroring their location in the project, and an
// overlay file mapping each original path to its replacement. The overlay file path is returned.
func WriteOverlay(projectDir, overlayDir string, units []*UnitResult) (string, error) {
	rendered, err := renderChanged(units)
	if err != nil {
		return "", err
	}
	absOverlay, err := filepath.Abs(overlayDir)
	if err != nil {
		return "", err
	}

	overlay := OverlayFile{Replace: make(map[string]string, len(rendered))}
	for _, r := range rendered {
		if within, err := fileWithinDir(r.unit.Path, projectDir); err != nil {
			return "", err
		} else if !within {
			return "", fmt.Errorf("rewritten file outside of project: %s", r.unit.Path)
		}
		absPath, err := filepath.Abs(r.unit.Path)
		if err != nil {
			return "", err
		}
		overlay.Replace[absPath] = filepath.Join(absOverlay, filepath.FromSlash(relativePath(projectDir, r.unit.Path)))
	}

	errGroup := limitedGroup(runtime.NumCPU())
	for _, r := range rendered {
		absPath, _ := filepath.Abs(r.unit.Path)
		dest := overlay.Replace[absPath]
		errGroup.Go(func() error {
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			} else if err := os.WriteFile(dest, r.content, 0644); err != nil {
				return fmt.Errorf("overlay write failure %s: %w", dest, err)
			}
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return "", err
	}
	overlayPath := filepath.Join(absOverlay, overlayFileName)
	if err := os.MkdirAll(absOverlay, 0755); err != nil {
		return "", err
	} else if err := os.WriteFile(overlayPath, data, 0644); err != nil {
		return "", err
	}
	return overlayPath, nil
}

// CommitInPlace rewrites the changed units on disk. Original content is saved into the store and the manifest is
// persisted before any file is touched, so Restore can recover from a partially completed commit.
func CommitInPlace(projectDir string, store SourceStore, manifest *Manifest, units []*UnitResult) error {
	mPath := manifestPath(projectDir)
	if _, err := ReadManifest(mPath); err == nil {
		return ErrPendingRestore
	} else if !errors.Is(err, ErrNoManifest) {
		return err
	}

	rendered, err := renderChanged(units)
	if err != nil {
		return err
	} else if len(rendered) == 0 {
		return nil
	}

	for _, r := range rendered {
		current, err := os.ReadFile(r.unit.Path)
		if err != nil {
			return err
		} else if !bytes.Equal(current, r.unit.Src) {
			return fmt.Errorf("file changed since it was loaded: %s", r.unit.Path)
		}
		info, err := os.Stat(r.unit.Path)
		if err != nil {
			return err
		} else if err := store.Save(r.unit.Path, current); err != nil {
			return fmt.Errorf("backup failure %s: %w", r.unit.Path, err)
		}
		manifest.Entries = append(manifest.Entries, ManifestEntry{
			Path:           r.unit.Path,
			OriginalDigest: contentDigest(current),
			WrittenDigest:  contentDigest(r.content),
			Mode:           uint32(info.Mode().Perm()),
		})
	}
	if err := WriteManifest(mPath, manifest); err != nil {
		return err
	}

	errGroup := limitedGroup(runtime.NumCPU())
	for _, r := range rendered {
		errGroup.Go(func() error {
			if err := writeFileReplace(r.unit.Path, r.content); err != nil {
				return fmt.Errorf("ast write failure %s: %w", r.unit.Path, err)
			}
			return nil
		})
	}
	return errGroup.Wait()
}

// Restore reverts the files recorded by a previous CommitInPlace. Files edited since the rewrite are left alone
// and reported, they remain in the manifest so a later restore can retry. The restored paths are returned.
func Restore(projectDir string, store SourceStore) ([]string, error) {
	mPath := manifestPath(projectDir)
	manifest, err := ReadManifest(mPath)
	if err != nil {
		return nil, err
	}

	var restored []string
	var remaining []ManifestEntry
	var errs []error
	for _, entry := range manifest.Entries {
		current, err := os.ReadFile(entry.Path)
		if err != nil {
			errs = append(errs, err)
			remaining = append(remaining, entry)
			continue
		}
		switch contentDigest(current) {
		case entry.OriginalDigest:
			// never written, or already restored
		case entry.WrittenDigest:
			if err := restoreEntry(store, entry); err != nil {
				errs = append(errs, err)
				remaining = append(remaining, entry)
				continue
			}
			restored = append(restored, entry.Path)
		default:
			errs = append(errs, fmt.Errorf("%s: modified since rewrite, not restored", entry.Path))
			remaining = append(remaining, entry)
			continue
		}
		if err := store.Delete(entry.Path); err != nil {
			errs = append(errs, err)
		}
	}

	if len(remaining) == 0 {
		if err := os.Remove(mPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	} else {
		manifest.Entries = remaining
		if err := WriteManifest(mPath, manifest); err != nil {
			errs = append(errs, err)
		}
	}
	return restored, errors.Join(errs...)
}

func restoreEntry(store SourceStore, entry ManifestEntry) error {
	original, ok, err := store.Load(entry.Path)
	if err != nil {
		return fmt.Errorf("%s: backup load failure: %w", entry.Path, err)
	} else if !ok {
		return fmt.Errorf("%s: backup missing", entry.Path)
	} else if contentDigest(original) != entry.OriginalDigest {
		return fmt.Errorf("%s: backup does not match manifest", entry.Path)
	} else if err := writeFileReplace(entry.Path, original); err != nil {
		return fmt.Errorf("%s: restore write failure: %w", entry.Path, err)
	}
	if entry.Mode != 0 {
		return os.Chmod(entry.Path, os.FileMode(entry.Mode))
	}
	return nil
}
