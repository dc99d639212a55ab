package rules

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// GeoResolver определяет страну по IP.
type GeoResolver interface {
	Country(ip string) string
}

type geoEntry struct {
	prefix  netip.Prefix
	country string
}

// StaticGeoResolver таблица CIDR -> страна из конфига. Побеждает самый длинный префикс.
type StaticGeoResolver struct {
	entries []geoEntry
}

func NewStaticGeoResolver(table map[string]string) (*StaticGeoResolver, error) {
	r := &StaticGeoResolver{}
	for cidr, country := range table {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("geo table: %w", err)
		}
		r.entries = append(r.entries, geoEntry{prefix: p.Masked(), country: strings.ToUpper(country)})
	}
	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].prefix.Bits() > r.entries[j].prefix.Bits()
	})
	return r, nil
}

func (r *StaticGeoResolver) Country(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	for _, e := range r.entries {
		if e.prefix.Contains(addr) {
			return e.country
		}
	}
	return ""
}
