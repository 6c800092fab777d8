// Package dns registers and removes tenant public names with a DNS provider.
package dns

import (
	"context"
	"errors"
	"strings"
)

// ErrRecordNotFound is returned by DeleteRecord when the record is gone.
var ErrRecordNotFound = errors.New("dns record not found")

// Zone is a hosted zone.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Record is one resource record set.
type Record struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   int64  `json:"ttl"`
}

// RecordFilter narrows ListRecords to an exact name and type. Empty fields
// match everything.
type RecordFilter struct {
	Name string
	Type string
}

// Match reports whether r satisfies f.
func (f RecordFilter) Match(r Record) bool {
	if f.Name != "" && Normalize(f.Name) != Normalize(r.Name) {
		return false
	}
	if f.Type != "" && !strings.EqualFold(f.Type, r.Type) {
		return false
	}
	return true
}

// Provider is the DNS collaborator. Empty results are not errors.
type Provider interface {
	ListZones(ctx context.Context, domain string) ([]Zone, error)
	ListRecords(ctx context.Context, zoneID string, filter RecordFilter) ([]Record, error)
	CreateRecord(ctx context.Context, zoneID string, rec Record) (Record, error)
	DeleteRecord(ctx context.Context, zoneID, recordID string) error
}

// Normalize lower-cases a DNS name and strips the trailing dot.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// InZone reports whether name equals zone or is below it.
func InZone(name, zone string) bool {
	name, zone = Normalize(name), Normalize(zone)
	return name == zone || strings.HasSuffix(name, "."+zone)
}

// RecordID builds the provider-independent record id "name|type".
func RecordID(name, typ string) string {
	return Normalize(name) + "|" + strings.ToUpper(typ)
}

// ParseRecordID splits an id built by RecordID.
func ParseRecordID(id string) (name, typ string, ok bool) {
	name, typ, ok = strings.Cut(id, "|")
	return name, typ, ok && name != "" && typ != ""
}
