package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yairfalse/kirjuri/internal/storage"
)

// indexPageSize bounds how many entries one index page holds
const indexPageSize = 500

// indexEntry is one record listed in an index
type indexEntry struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

type indexPage struct {
	Entries []indexEntry `json:"entries"`
}

// index is an append-ordered list of record ids for one tenant and kind,
// stored as numbered pages under {ns}:{type}_index:{tenant}:{kind}.{page}
type index struct {
	backend  storage.Backend
	keys     storage.Keyspace
	rt       storage.RecordType
	tenantID string
	kind     string
}

// pages returns the existing page numbers in numeric order
func (ix index) pages(ctx context.Context) ([]int, error) {
	prefix := ix.keys.IndexPrefix(ix.rt, ix.tenantID, ix.kind)
	keys, err := ix.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list index pages: %w", err)
	}
	pages := make([]int, 0, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err != nil || n < 0 {
			continue
		}
		pages = append(pages, n)
	}
	sort.Ints(pages)
	return pages, nil
}

func (ix index) load(ctx context.Context, page int) (indexPage, error) {
	key, err := ix.keys.IndexPage(ix.rt, ix.tenantID, ix.kind, page)
	if err != nil {
		return indexPage{}, err
	}
	data, err := ix.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return indexPage{}, nil
	}
	if err != nil {
		return indexPage{}, fmt.Errorf("failed to read index page %s: %w", key, err)
	}
	var p indexPage
	if err := json.Unmarshal(data, &p); err != nil {
		return indexPage{}, fmt.Errorf("corrupt index page %s: %w", key, err)
	}
	return p, nil
}

func (ix index) save(ctx context.Context, page int, p indexPage) error {
	key, err := ix.keys.IndexPage(ix.rt, ix.tenantID, ix.kind, page)
	if err != nil {
		return err
	}
	if len(p.Entries) == 0 {
		return ix.backend.Delete(ctx, key)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return ix.backend.Put(ctx, key, data)
}

// append adds an entry to the last page, opening a new page when it is full.
// Appending an id already on the last page is a no-op, so a retried write
// does not list a record twice.
func (ix index) append(ctx context.Context, e indexEntry) error {
	pages, err := ix.pages(ctx)
	if err != nil {
		return err
	}
	last := 0
	if len(pages) > 0 {
		last = pages[len(pages)-1]
	}
	p, err := ix.load(ctx, last)
	if err != nil {
		return err
	}
	for _, existing := range p.Entries {
		if existing.ID == e.ID {
			return nil
		}
	}
	if len(p.Entries) >= indexPageSize {
		last++
		p = indexPage{}
	}
	p.Entries = append(p.Entries, e)
	return ix.save(ctx, last, p)
}

// entries returns every entry in append order
func (ix index) entries(ctx context.Context) ([]indexEntry, error) {
	pages, err := ix.pages(ctx)
	if err != nil {
		return nil, err
	}
	var out []indexEntry
	for _, n := range pages {
		p, err := ix.load(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Entries...)
	}
	return out, nil
}

// remove drops the given ids, rewriting only the pages that change
func (ix index) remove(ctx context.Context, ids map[string]bool) error {
	if len(ids) == 0 {
		return nil
	}
	pages, err := ix.pages(ctx)
	if err != nil {
		return err
	}
	for _, n := range pages {
		p, err := ix.load(ctx, n)
		if err != nil {
			return err
		}
		kept := p.Entries[:0]
		for _, e := range p.Entries {
			if !ids[e.ID] {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(p.Entries) {
			continue
		}
		if err := ix.save(ctx, n, indexPage{Entries: kept}); err != nil {
			return err
		}
	}
	return nil
}

// rewrite replaces the whole index with entries, oldest first
func (ix index) rewrite(ctx context.Context, entries []indexEntry) error {
	old, err := ix.pages(ctx)
	if err != nil {
		return err
	}
	written := 0
	for start := 0; start < len(entries); start += indexPageSize {
		end := start + indexPageSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := ix.save(ctx, written, indexPage{Entries: entries[start:end]}); err != nil {
			return err
		}
		written++
	}
	for _, n := range old {
		if n >= written {
			if err := ix.save(ctx, n, indexPage{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortNewestFirst orders by time descending with the id as tie-break
func sortNewestFirst(entries []indexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].At.Equal(entries[j].At) {
			return entries[i].At.After(entries[j].At)
		}
		return entries[i].ID < entries[j].ID
	})
}
