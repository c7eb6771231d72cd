package catalog

import (
	"context"
	"os"
	"strings"
	"time"

	"go.ntppool.org/common/logger"

	"go.ntppool.org/optimizer/service"
)

// Region is the host's geographic zone as used by the NTP Pool zone
// names. The zero value is the global zone.
type Region struct {
	Continent string
	Country   string
}

func (r Region) IsGlobal() bool {
	return len(r.Continent) == 0
}

func (r Region) String() string {
	if r.IsGlobal() {
		return "global"
	}
	if len(r.Country) > 0 {
		return r.Continent + "/" + r.Country
	}
	return r.Continent
}

// Matches reports if the hostname is one of the region's pool zones or
// otherwise carries the continent as a label.
func (r Region) Matches(host string) bool {
	if r.IsGlobal() {
		return false
	}
	host = normalizeAddress(host)
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if l == r.Continent {
			return true
		}
	}
	if len(r.Country) > 0 && strings.HasSuffix(host, ".pool.ntp.org") {
		for _, l := range labels {
			if l == r.Country {
				return true
			}
		}
	}
	return false
}

var continentZones = map[string]string{
	"asia":      "asia",
	"europe":    "europe",
	"america":   "north-america",
	"africa":    "africa",
	"australia": "oceania",
	"oceania":   "oceania",
}

var cityCountries = []struct {
	city    string
	country string
}{
	{"kolkata", "in"},
	{"tokyo", "jp"},
	{"shanghai", "cn"},
	{"london", "uk"},
	{"paris", "fr"},
	{"new_york", "us"},
	{"chicago", "us"},
	{"los_angeles", "us"},
}

// RegionFromTimezone maps an IANA timezone name (Asia/Kolkata) to a pool
// region. Unknown or empty names return the global region.
func RegionFromTimezone(tz string) Region {
	parts := strings.Split(strings.TrimSpace(tz), "/")
	if len(parts) == 0 {
		return Region{}
	}
	continent, ok := continentZones[strings.ToLower(parts[0])]
	if !ok {
		return Region{}
	}
	r := Region{Continent: continent}
	if len(parts) >= 2 {
		city := strings.ToLower(parts[len(parts)-1])
		for _, cc := range cityCountries {
			if strings.Contains(city, cc.city) {
				r.Country = cc.country
				break
			}
		}
	}
	return r
}

// RegionDetector finds the host timezone. The fields are replaceable for
// tests; the zero value uses the host.
type RegionDetector struct {
	Runner   service.Runner
	ReadFile func(string) ([]byte, error)
	Getenv   func(string) string
}

// Detect returns the host region, falling back to global.
func (d RegionDetector) Detect(ctx context.Context) Region {
	log := logger.FromContext(ctx)

	tz := d.timezone(ctx)
	if len(tz) == 0 {
		log.InfoContext(ctx, "could not detect timezone, using global pool")
		return Region{}
	}
	r := RegionFromTimezone(tz)
	log.InfoContext(ctx, "detected region", "timezone", tz, "region", r.String())
	return r
}

func (d RegionDetector) timezone(ctx context.Context) string {
	runner := d.Runner
	if runner == nil {
		runner = service.ExecRunner{Timeout: 5 * time.Second}
	}
	out, err := runner.Run(ctx, "timedatectl", "show", "--property=Timezone", "--value")
	if err == nil {
		if tz := strings.TrimSpace(string(out)); len(tz) > 0 {
			return tz
		}
	}

	readFile := d.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	if b, err := readFile("/etc/timezone"); err == nil {
		if tz := strings.TrimSpace(string(b)); len(tz) > 0 {
			return tz
		}
	}

	getenv := d.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return strings.TrimPrefix(getenv("TZ"), ":")
}
