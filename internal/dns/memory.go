package dns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryProvider keeps zones and records in memory. SetFailure injects
// provider errors.
type MemoryProvider struct {
	mu      sync.Mutex
	zones   map[string]Zone
	records map[string]map[string]Record

	failListZones   error
	failListRecords error
	failCreate      error
	failDelete      error

	creates int
	deletes int
}

// NewMemoryProvider returns a provider serving one zone per name.
func NewMemoryProvider(zoneNames ...string) *MemoryProvider {
	p := &MemoryProvider{
		zones:   make(map[string]Zone),
		records: make(map[string]map[string]Record),
	}
	for _, name := range zoneNames {
		p.AddZone(name)
	}
	return p
}

// AddZone adds a hosted zone and returns it.
func (p *MemoryProvider) AddZone(name string) Zone {
	p.mu.Lock()
	defer p.mu.Unlock()
	z := Zone{ID: "Z" + strings.ToUpper(strings.ReplaceAll(Normalize(name), ".", "")), Name: Normalize(name)}
	p.zones[z.ID] = z
	if p.records[z.ID] == nil {
		p.records[z.ID] = make(map[string]Record)
	}
	return z
}

func (p *MemoryProvider) ListZones(_ context.Context, domain string) ([]Zone, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failListZones != nil {
		return nil, p.failListZones
	}
	var out []Zone
	for _, z := range p.zones {
		if InZone(domain, z.Name) {
			out = append(out, z)
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].Name) > len(out[j].Name) })
	return out, nil
}

func (p *MemoryProvider) ListRecords(_ context.Context, zoneID string, filter RecordFilter) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failListRecords != nil {
		return nil, p.failListRecords
	}
	var out []Record
	for _, r := range p.records[zoneID] {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemoryProvider) CreateRecord(_ context.Context, zoneID string, rec Record) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate != nil {
		return Record{}, p.failCreate
	}
	recs, ok := p.records[zoneID]
	if !ok {
		return Record{}, fmt.Errorf("zone %s not found", zoneID)
	}
	rec.Name = Normalize(rec.Name)
	rec.Type = strings.ToUpper(rec.Type)
	rec.ID = RecordID(rec.Name, rec.Type)
	recs[rec.ID] = rec
	p.creates++
	return rec, nil
}

func (p *MemoryProvider) DeleteRecord(_ context.Context, zoneID, recordID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDelete != nil {
		return p.failDelete
	}
	if _, ok := p.records[zoneID][recordID]; !ok {
		return ErrRecordNotFound
	}
	delete(p.records[zoneID], recordID)
	p.deletes++
	return nil
}

// Calls returns how many records were created and deleted.
func (p *MemoryProvider) Calls() (creates, deletes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates, p.deletes
}

// RecordCount returns the number of records across all zones.
func (p *MemoryProvider) RecordCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, recs := range p.records {
		n += len(recs)
	}
	return n
}

// SetFailure sets or clears an injected error by operation name
// ("list_zones", "list_records", "create", "delete").
func (p *MemoryProvider) SetFailure(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch op {
	case "list_zones":
		p.failListZones = err
	case "list_records":
		p.failListRecords = err
	case "create":
		p.failCreate = err
	case "delete":
		p.failDelete = err
	}
}
