package catalog

import "strings"

// RegionTag marks whether a candidate is in the host's detected region.
type RegionTag uint8

const (
	RegionGlobal RegionTag = iota
	RegionLocal
)

func (r RegionTag) String() string {
	switch r {
	case RegionLocal:
		return "same-region"
	default:
		return "global"
	}
}

// MarshalText encodes the tag as its string form (used in history records)
func (r RegionTag) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RegionTag) UnmarshalText(b []byte) error {
	switch string(b) {
	case "same-region":
		*r = RegionLocal
	default:
		*r = RegionGlobal
	}
	return nil
}

// Candidate is one time-service peer considered during a run. Address is
// the unique key within a run.
type Candidate struct {
	Address   string    `json:"address"`
	Region    RegionTag `json:"region"`
	IsCurrent bool      `json:"is_current,omitempty"`
}

// normalizeAddress is the key used for de-duplication and blacklist lookups.
func normalizeAddress(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// NormalizeAddress exposes the address key used by the catalog so other
// packages (the blacklist store) index entries the same way.
func NormalizeAddress(s string) string {
	return normalizeAddress(s)
}
