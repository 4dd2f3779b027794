package plandefinition

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/platform/fhir"
)

// LoadResult summarizes a seed run.
type LoadResult struct {
	Loaded  []string
	Skipped []string
	Failed  []string
	Passes  int
}

// Loader seeds definitions from JSON files. Files that fail are retried in
// later passes until a pass makes no progress.
type Loader struct {
	svc    *Service
	logger zerolog.Logger
}

func NewLoader(svc *Service, logger zerolog.Logger) *Loader {
	return &Loader{svc: svc, logger: logger.With().Str("component", "seed").Logger()}
}

// LoadDirs loads every *.json file below each directory.
func (l *Loader) LoadDirs(ctx context.Context, dirs ...string) (*LoadResult, error) {
	total := &LoadResult{}
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		res, err := l.LoadFS(ctx, os.DirFS(dir))
		if err != nil {
			return total, fmt.Errorf("seed %s: %w", dir, err)
		}
		total.Loaded = append(total.Loaded, res.Loaded...)
		total.Skipped = append(total.Skipped, res.Skipped...)
		total.Failed = append(total.Failed, res.Failed...)
		total.Passes += res.Passes
	}
	return total, nil
}

type seedItem struct {
	name     string
	resource fhir.Resource
}

// LoadFS loads every *.json file of fsys. Bundles contribute their
// PlanDefinition entries; other resource types are skipped.
func (l *Loader) LoadFS(ctx context.Context, fsys fs.FS) (*LoadResult, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(path.Ext(p), ".json") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	res := &LoadResult{}
	if len(files) == 0 {
		l.logger.Warn().Msg("no JSON resources found")
		return res, nil
	}

	var queue []seedItem
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		r, err := fhir.ParseResource(data)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("skipping unparseable file")
			res.Failed = append(res.Failed, name)
			continue
		}
		switch r.Type() {
		case "PlanDefinition":
			queue = append(queue, seedItem{name: name, resource: r})
		case "Bundle":
			for i, entry := range fhir.EntryResources(r) {
				label := fmt.Sprintf("%s#%d", name, i)
				if entry.Type() != "PlanDefinition" {
					res.Skipped = append(res.Skipped, label)
					continue
				}
				queue = append(queue, seedItem{name: label, resource: entry})
			}
		default:
			l.logger.Debug().Str("file", name).Str("resource_type", r.Type()).Msg("skipping non-PlanDefinition resource")
			res.Skipped = append(res.Skipped, name)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Passes++
		var deferred []seedItem
		for _, item := range queue {
			if _, _, err := l.svc.Put(ctx, item.resource.ID(), item.resource); err != nil {
				l.logger.Trace().Err(err).Str("file", item.name).Msg("deferring resource")
				deferred = append(deferred, item)
				continue
			}
			l.logger.Debug().Str("file", item.name).Int("pass", res.Passes).Msg("loaded resource")
			res.Loaded = append(res.Loaded, item.name)
		}
		loaded := len(queue) - len(deferred)
		l.logger.Info().Int("pass", res.Passes).Int("loaded", loaded).Int("remaining", len(deferred)).Msg("seed pass complete")
		if loaded == 0 {
			for _, item := range deferred {
				l.logger.Warn().Str("file", item.name).Int("passes", res.Passes).Msg("failed to load resource")
				res.Failed = append(res.Failed, item.name)
			}
			break
		}
		queue = deferred
	}
	return res, nil
}
