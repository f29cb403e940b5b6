package server

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/inquest-ai/inquest/internal/dialogue"
	"github.com/inquest-ai/inquest/internal/store"
)

// DirSource serves runs straight from an output directory of "*run.json"
// files, for browsing local experiments without a database. Records are
// loaded once and kept in memory.
type DirSource struct {
	dir string

	once    sync.Once
	loadErr error
	records []*dialogue.RunRecord
	byID    map[string]*dialogue.RunRecord
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (d *DirSource) load() {
	d.byID = make(map[string]*dialogue.RunRecord)
	d.loadErr = filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "run.json") {
			return nil
		}
		record, err := dialogue.LoadRecord(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		d.records = append(d.records, record)
		d.byID[record.RunID] = record
		return nil
	})
	sort.Slice(d.records, func(i, j int) bool {
		return d.records[i].StartTime.After(d.records[j].StartTime)
	})
}

func (d *DirSource) ListRuns(_ context.Context, limit, offset int) ([]store.RunSummary, error) {
	records, err := d.page(limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]store.RunSummary, 0, len(records))
	for _, r := range records {
		out = append(out, store.RunSummary{
			RunID:              r.RunID,
			TaskInfo:           r.TaskInfo,
			ExpectedAnswer:     r.ExpectedAnswer,
			Top1Guess:          r.Top1,
			Termination:        r.Termination,
			ConversationLength: r.ConversationLength(),
			StartTime:          r.StartTime,
			EndTime:            r.EndTime,
			CreatedAt:          r.EndTime,
		})
	}
	return out, nil
}

func (d *DirSource) GetRun(_ context.Context, runID string) (*dialogue.RunRecord, bool, error) {
	d.once.Do(d.load)
	if d.loadErr != nil {
		return nil, false, d.loadErr
	}
	record, ok := d.byID[runID]
	return record, ok, nil
}

func (d *DirSource) ListRecords(_ context.Context, limit, offset int) ([]*dialogue.RunRecord, error) {
	return d.page(limit, offset)
}

func (d *DirSource) page(limit, offset int) ([]*dialogue.RunRecord, error) {
	d.once.Do(d.load)
	if d.loadErr != nil {
		return nil, d.loadErr
	}
	if offset >= len(d.records) {
		return nil, nil
	}
	records := d.records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}
