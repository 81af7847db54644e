package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/common/resilience"
)

const ipapiUserAgent = "antifraud-service/1.0"

// IPAPIProvider queries the ipapi.co JSON API through a circuit breaker
type IPAPIProvider struct {
	baseURL string
	client  *resilience.ResilientHTTPClient
}

// NewIPAPIProvider creates a provider against baseURL (https://ipapi.co in production)
func NewIPAPIProvider(baseURL string, timeout time.Duration, breaker *resilience.CircuitBreaker) *IPAPIProvider {
	return &IPAPIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  resilience.NewResilientHTTPClient(&http.Client{Timeout: timeout}, breaker),
	}
}

// Name identifies the provider in errors and logs
func (p *IPAPIProvider) Name() string {
	return "ipapi"
}

type ipapiResponse struct {
	IP          string  `json:"ip"`
	City        string  `json:"city"`
	CountryCode string  `json:"country_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ASN         string  `json:"asn"`
	Org         string  `json:"org"`
	Hostname    string  `json:"hostname"`
	Error       bool    `json:"error"`
	Reason      string  `json:"reason"`
}

// Lookup fetches /{ip}/json/
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*IPIntel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/json/", p.baseURL, ip), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", ipapiUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipapi returned HTTP %d", resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ipapi response: %w", err)
	}
	if body.Error {
		return nil, fmt.Errorf("ipapi error: %s", body.Reason)
	}

	return &IPIntel{
		ASN:         body.ASN,
		Org:         body.Org,
		Hostname:    body.Hostname,
		CountryCode: body.CountryCode,
		City:        body.City,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
	}, nil
}

// Resolver performs reverse DNS; *net.Resolver satisfies it
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// MaxMindProvider answers from local GeoLite2 ASN and (optionally) City
// databases, with an optional reverse DNS lookup for the hostname heuristics
type MaxMindProvider struct {
	city     *geoip2.Reader
	asn      *geoip2.Reader
	resolver Resolver
}

// NewMaxMindProvider wraps already opened readers; city and resolver may be nil
func NewMaxMindProvider(city, asn *geoip2.Reader, resolver Resolver) *MaxMindProvider {
	return &MaxMindProvider{city: city, asn: asn, resolver: resolver}
}

// OpenMaxMind opens the .mmdb files at the given paths. cityPath may be empty.
func OpenMaxMind(cityPath, asnPath string, resolver Resolver) (*MaxMindProvider, error) {
	asn, err := geoip2.Open(asnPath)
	if err != nil {
		return nil, fmt.Errorf("open ASN database: %w", err)
	}

	var city *geoip2.Reader
	if cityPath != "" {
		city, err = geoip2.Open(cityPath)
		if err != nil {
			asn.Close()
			return nil, fmt.Errorf("open city database: %w", err)
		}
	}

	return NewMaxMindProvider(city, asn, resolver), nil
}

// Name identifies the provider in errors and logs
func (p *MaxMindProvider) Name() string {
	return "maxmind"
}

// Lookup reads the local databases
func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (*IPIntel, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("invalid ip address: %s", ip)
	}
	if p.asn == nil {
		return nil, errors.New("maxmind ASN database not loaded")
	}

	asnRecord, err := p.asn.ASN(addr)
	if err != nil {
		return nil, fmt.Errorf("asn lookup: %w", err)
	}

	intel := &IPIntel{
		ASN: fmt.Sprintf("AS%d", asnRecord.AutonomousSystemNumber),
		Org: asnRecord.AutonomousSystemOrganization,
	}
	if asnRecord.AutonomousSystemNumber == 0 {
		intel.ASN = ""
	}

	if p.city != nil {
		if rec, err := p.city.City(addr); err == nil {
			intel.CountryCode = rec.Country.IsoCode
			intel.City = rec.City.Names["en"]
			intel.Latitude = rec.Location.Latitude
			intel.Longitude = rec.Location.Longitude
			intel.Proxy = rec.Traits.IsAnonymousProxy
		}
	}

	if p.resolver != nil {
		if names, err := p.resolver.LookupAddr(ctx, ip); err == nil && len(names) > 0 {
			intel.Hostname = strings.TrimSuffix(names[0], ".")
		}
	}

	return intel, nil
}

// Close releases the database readers
func (p *MaxMindProvider) Close() error {
	var errs []error
	if p.asn != nil {
		errs = append(errs, p.asn.Close())
	}
	if p.city != nil {
		errs = append(errs, p.city.Close())
	}
	return errors.Join(errs...)
}

// ChainProvider tries each provider in order and returns the first answer
type ChainProvider struct {
	providers []ExternalIPProvider
	logger    *zap.Logger
}

// NewChainProvider creates a ChainProvider
func NewChainProvider(log *zap.Logger, providers ...ExternalIPProvider) *ChainProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChainProvider{providers: providers, logger: log.With(zap.String("component", "ip_provider_chain"))}
}

// Name identifies the provider in errors and logs
func (c *ChainProvider) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Lookup stops at the first provider that succeeds
func (c *ChainProvider) Lookup(ctx context.Context, ip string) (*IPIntel, error) {
	var errs []error
	for _, p := range c.providers {
		intel, err := p.Lookup(ctx, ip)
		if err == nil {
			return intel, nil
		}
		c.logger.Debug("Provider failed, trying next", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, errors.New("no ip providers configured")
	}
	return nil, errors.Join(errs...)
}
