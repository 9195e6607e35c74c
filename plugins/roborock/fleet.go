package roborock

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/joshp123/gohome-vacuum/internal/poller"
	"github.com/joshp123/gohome-vacuum/internal/vacuum"
)

type deviceLister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Fleet holds one vacuum entity per discovered device, keyed by DUID.
type Fleet struct {
	requester vacuum.Requester
	tables    *vacuum.Tables
	logger    *zap.Logger

	mu       sync.RWMutex
	entities map[string]*vacuum.Entity
	devices  map[string]Device
}

func NewFleet(requester vacuum.Requester, tables *vacuum.Tables, logger *zap.Logger) *Fleet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fleet{
		requester: requester,
		tables:    tables,
		logger:    logger,
		entities:  make(map[string]*vacuum.Entity),
		devices:   make(map[string]Device),
	}
}

// Sync lists devices and creates entities for the ones not seen before. It
// returns only the new entities. Known entities keep the descriptor they were
// created with and their snapshot; only the metadata returned by Device is
// replaced.
func (f *Fleet) Sync(ctx context.Context, lister deviceLister) ([]*vacuum.Entity, error) {
	devices, err := lister.Devices(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var added []*vacuum.Entity
	for _, dev := range devices {
		f.devices[dev.ID] = dev
		if _, ok := f.entities[dev.ID]; ok {
			continue
		}
		entity := vacuum.NewEntity(dev.descriptor(), f.requester, f.tables,
			vacuum.WithLogger(f.logger.With(zap.String("duid", dev.ID))))
		f.entities[dev.ID] = entity
		added = append(added, entity)
	}
	return added, nil
}

// Entities returns all entities ordered by name, then DUID.
func (f *Fleet) Entities() []*vacuum.Entity {
	f.mu.RLock()
	out := make([]*vacuum.Entity, 0, len(f.entities))
	for _, e := range f.entities {
		out = append(out, e)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].Device().DUID < out[j].Device().DUID
	})
	return out
}

// Lookup resolves ref as a DUID first and then as a device name.
func (f *Fleet) Lookup(ref string) (*vacuum.Entity, bool) {
	if ref == "" {
		return nil, false
	}
	f.mu.RLock()
	if e, ok := f.entities[ref]; ok {
		f.mu.RUnlock()
		return e, true
	}
	f.mu.RUnlock()
	for _, e := range f.Entities() {
		if e.Name() == ref {
			return e, true
		}
	}
	return nil, false
}

// Device returns the metadata for duid as last reported by home data.
func (f *Fleet) Device(duid string) (Device, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dev, ok := f.devices[duid]
	return dev, ok
}

func (f *Fleet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entities)
}

// Targets adapts the entities for the poller.
func (f *Fleet) Targets() []poller.Target {
	entities := f.Entities()
	out := make([]poller.Target, 0, len(entities))
	for _, e := range entities {
		out = append(out, e)
	}
	return out
}
