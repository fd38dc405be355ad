// Package fingerprint computes deterministic identities for a set of staged
// changes. A fingerprint carries one digest per hunk, one per file and an
// aggregate over the whole set; the aggregate keys the suggestion cache and
// the hunk digests drive staleness checks.
package fingerprint

import (
	"sort"

	"vibetap/internal/cas"
	"vibetap/internal/gitio"
)

// File is the fingerprint of one changed path.
type File struct {
	Path   string   `json:"path"`
	Status string   `json:"status"`
	Digest string   `json:"digest"`
	Hunks  []string `json:"hunks,omitempty"`
}

// Fingerprint identifies a diff snapshot. It is immutable once computed.
type Fingerprint struct {
	Aggregate string          `json:"aggregate"`
	Files     map[string]File `json:"files"`
}

// Compute fingerprints d. Hunk digests cover the path and hunk body but not
// the hunk's line numbers, so an unrelated edit that only shifts a hunk
// leaves its digest intact.
func Compute(d *gitio.Diff) (*Fingerprint, error) {
	fp := &Fingerprint{Files: make(map[string]File)}
	if d != nil {
		for _, fc := range d.Files {
			f, err := fileFingerprint(fc)
			if err != nil {
				return nil, err
			}
			fp.Files[f.Path] = f
		}
	}

	agg, err := aggregate(fp.Files)
	if err != nil {
		return nil, err
	}
	fp.Aggregate = agg
	return fp, nil
}

func fileFingerprint(fc gitio.FileChange) (File, error) {
	f := File{Path: fc.Path, Status: string(fc.Status)}
	for _, h := range fc.Hunks {
		id, err := cas.ContentID("hunk", map[string]interface{}{
			"path": fc.Path,
			"body": h.Content,
		})
		if err != nil {
			return File{}, err
		}
		f.Hunks = append(f.Hunks, id)
	}

	payload := map[string]interface{}{
		"path":   fc.Path,
		"status": string(fc.Status),
		"hunks":  f.Hunks,
	}
	if fc.Binary {
		payload["blob"] = fc.BlobDigest
	}
	digest, err := cas.ContentID("file", payload)
	if err != nil {
		return File{}, err
	}
	f.Digest = digest
	return f, nil
}

func aggregate(files map[string]File) (string, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]interface{}, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, []interface{}{p, files[p].Digest})
	}
	return cas.ContentID("diff", entries)
}

// Empty reports whether the fingerprint covers no files.
func (fp *Fingerprint) Empty() bool {
	return fp == nil || len(fp.Files) == 0
}

// Paths returns the fingerprinted paths in sorted order.
func (fp *Fingerprint) Paths() []string {
	paths := make([]string, 0, len(fp.Files))
	for p := range fp.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FileDigest returns the digest recorded for path.
func (fp *Fingerprint) FileDigest(path string) (string, bool) {
	if fp == nil {
		return "", false
	}
	f, ok := fp.Files[path]
	return f.Digest, ok
}

// Equal reports whether both fingerprints identify the same change set.
func (fp *Fingerprint) Equal(other *Fingerprint) bool {
	if fp == nil || other == nil {
		return fp == other
	}
	return fp.Aggregate == other.Aggregate
}

// Covers reports whether every hunk that path had in origin is still present
// in fp. A path absent from origin is trivially covered.
func (fp *Fingerprint) Covers(origin *Fingerprint, path string) bool {
	was, ok := origin.Files[path]
	if !ok {
		return true
	}
	now, ok := fp.Files[path]
	if !ok {
		return false
	}
	if len(was.Hunks) == 0 {
		return was.Digest == now.Digest
	}

	live := make(map[string]struct{}, len(now.Hunks))
	for _, h := range now.Hunks {
		live[h] = struct{}{}
	}
	for _, h := range was.Hunks {
		if _, ok := live[h]; !ok {
			return false
		}
	}
	return true
}
