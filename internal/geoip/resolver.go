// Package geoip wraps a MaxMind City database behind the pure lookup
// function spec.md §1 specifies as an external collaborator:
// "lookup(ip) → {country, city?, region?}" with a graceful
// "unknown"/"local" fallback. Grounded on
// tools/maxmind/pkg/geoip/resolver.go, trimmed to the fields the broker's
// Location actually needs.
package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Location is the geographic position spec.md §4.3 attaches to a session
// on accept.
type Location struct {
	Country string
	City    string
	Region  string
}

// LocalNetwork is the sentinel Location for private/loopback peer
// addresses, per spec.md §4.3.
var LocalNetwork = Location{Country: "local network"}

// Unknown is the sentinel Location for addresses that can't be resolved.
var Unknown = Location{Country: "unknown"}

// Resolver is the pure lookup function contract. Implementations must
// never return an error; an unresolvable IP resolves to Unknown.
type Resolver interface {
	Lookup(ip net.IP) Location
}

// maxmindResolver resolves against an open geoip2 City reader.
type maxmindResolver struct {
	cityDB *geoip2.Reader
}

// NewResolver builds a Resolver backed by an open MaxMind City database. A
// nil reader is valid: private, loopback and link-local addresses still
// resolve to LocalNetwork and every other address resolves to Unknown — this
// is how the broker runs when no geo-IP database path was configured, since
// §1 treats geo-IP as an optional external collaborator.
func NewResolver(cityDB *geoip2.Reader) Resolver {
	return &maxmindResolver{cityDB: cityDB}
}

func (r *maxmindResolver) Lookup(ip net.IP) Location {
	if ip == nil {
		return Unknown
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return LocalNetwork
	}
	if r.cityDB == nil {
		return Unknown
	}

	rec, err := r.cityDB.City(ip)
	if err != nil {
		return Unknown
	}

	country := rec.Country.Names["en"]
	if country == "" {
		return Unknown
	}

	loc := Location{Country: country}
	if rec.City.Names["en"] != "" {
		loc.City = rec.City.Names["en"]
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].Names["en"]
	}
	return loc
}
