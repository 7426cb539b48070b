package observers

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// PurgeArtifacts removes timeline and cost files in dir older than maxAge.
// Returns the number of files deleted.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// CapArtifacts keeps at most maxFiles files in dir, deleting the oldest ones
// first. Returns the number of files deleted. maxFiles <= 0 means unlimited.
func CapArtifacts(dir string, maxFiles int) (int, error) {
	if dir == "" || maxFiles <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	type aged struct {
		name string
		mod  time.Time
	}
	var files []aged
	var errs error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		files = append(files, aged{name: entry.Name(), mod: info.ModTime()})
	}
	if len(files) <= maxFiles {
		return 0, errs
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	var removed int
	for _, f := range files[:len(files)-maxFiles] {
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
