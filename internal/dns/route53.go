package dns

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"go.uber.org/zap"
)

const route53PageSize = 100

// Route53API is the subset of the Route53 client the provider uses.
type Route53API interface {
	ListHostedZonesByName(ctx context.Context, in *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Route53Provider manages records in Amazon Route53 hosted zones.
type Route53Provider struct {
	client Route53API
	logger *zap.Logger
}

// NewRoute53Provider creates a provider from an AWS config.
func NewRoute53Provider(cfg aws.Config, logger *zap.Logger) *Route53Provider {
	return NewRoute53ProviderWithClient(route53.NewFromConfig(cfg), logger)
}

// NewRoute53ProviderWithClient creates a provider over an existing client.
func NewRoute53ProviderWithClient(client Route53API, logger *zap.Logger) *Route53Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Route53Provider{client: client, logger: logger}
}

// ListZones returns the hosted zones that contain domain.
func (p *Route53Provider) ListZones(ctx context.Context, domain string) ([]Zone, error) {
	out, err := p.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName:  aws.String(Normalize(domain)),
		MaxItems: aws.Int32(route53PageSize),
	})
	if err != nil {
		return nil, fmt.Errorf("list hosted zones: %w", err)
	}
	var zones []Zone
	for _, z := range out.HostedZones {
		name := Normalize(aws.ToString(z.Name))
		if !InZone(domain, name) {
			continue
		}
		zones = append(zones, Zone{
			ID:   strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/"),
			Name: name,
		})
	}
	return zones, nil
}

// ListRecords returns the record sets of a zone matching filter.
func (p *Route53Provider) ListRecords(ctx context.Context, zoneID string, filter RecordFilter) ([]Record, error) {
	in := &route53.ListResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		MaxItems:     aws.Int32(route53PageSize),
	}
	if filter.Name != "" {
		in.StartRecordName = aws.String(Normalize(filter.Name))
		if filter.Type != "" {
			in.StartRecordType = types.RRType(strings.ToUpper(filter.Type))
		}
	}
	var records []Record
	for {
		out, err := p.client.ListResourceRecordSets(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("list record sets: %w", err)
		}
		for _, rs := range out.ResourceRecordSets {
			rec := fromRecordSet(rs)
			if filter.Match(rec) {
				records = append(records, rec)
			} else if filter.Name != "" && Normalize(rec.Name) != Normalize(filter.Name) {
				// Record sets are sorted by name, anything past the name cannot match.
				return records, nil
			}
		}
		if !out.IsTruncated {
			return records, nil
		}
		in.StartRecordName = out.NextRecordName
		in.StartRecordType = out.NextRecordType
		in.StartRecordIdentifier = out.NextRecordIdentifier
	}
}

// CreateRecord upserts rec so re-running a creation is harmless.
func (p *Route53Provider) CreateRecord(ctx context.Context, zoneID string, rec Record) (Record, error) {
	rs := toRecordSet(rec)
	_, err := p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("tenant public name"),
			Changes: []types.Change{{Action: types.ChangeActionUpsert, ResourceRecordSet: &rs}},
		},
	})
	if err != nil {
		return Record{}, fmt.Errorf("upsert record %s: %w", rec.Name, err)
	}
	rec.Name = Normalize(rec.Name)
	rec.Type = strings.ToUpper(rec.Type)
	rec.ID = RecordID(rec.Name, rec.Type)
	p.logger.Info("dns record upserted", zap.String("zone_id", zoneID), zap.String("record", rec.ID))
	return rec, nil
}

// DeleteRecord deletes the record set identified by recordID. Route53 needs
// the current values, so the record is looked up first.
func (p *Route53Provider) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	name, typ, ok := ParseRecordID(recordID)
	if !ok {
		return fmt.Errorf("invalid record id %q", recordID)
	}
	existing, err := p.ListRecords(ctx, zoneID, RecordFilter{Name: name, Type: typ})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return ErrRecordNotFound
	}
	rs := toRecordSet(existing[0])
	_, err = p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{Action: types.ChangeActionDelete, ResourceRecordSet: &rs}},
		},
	})
	if err != nil {
		return fmt.Errorf("delete record %s: %w", recordID, err)
	}
	p.logger.Info("dns record deleted", zap.String("zone_id", zoneID), zap.String("record", recordID))
	return nil
}

func fromRecordSet(rs types.ResourceRecordSet) Record {
	rec := Record{
		Name: Normalize(aws.ToString(rs.Name)),
		Type: string(rs.Type),
		TTL:  aws.ToInt64(rs.TTL),
	}
	if len(rs.ResourceRecords) > 0 {
		rec.Value = aws.ToString(rs.ResourceRecords[0].Value)
	}
	rec.ID = RecordID(rec.Name, rec.Type)
	return rec
}

func toRecordSet(rec Record) types.ResourceRecordSet {
	ttl := rec.TTL
	if ttl <= 0 {
		ttl = 300
	}
	return types.ResourceRecordSet{
		Name:            aws.String(Normalize(rec.Name)),
		Type:            types.RRType(strings.ToUpper(rec.Type)),
		TTL:             aws.Int64(ttl),
		ResourceRecords: []types.ResourceRecord{{Value: aws.String(rec.Value)}},
	}
}
