package petkit

import (
	"sort"
	"strings"
)

const (
	defaultRegion   = "de"
	defaultTimezone = "Europe/Berlin"

	passportURL = "https://passport.petkt.com/"
	chinaURL    = "https://api.petkit.cn/6/"
)

var clusterGateways = map[string]string{
	"europe":        "https://api.eu-pet.com/6/",
	"north_america": "https://api.petkt.com/latest/",
	"asia":          "https://api.petktasia.com/latest/",
}

type regionRow struct {
	id      string
	name    string
	cluster string
}

var regionTable = []regionRow{
	{"at", "Austria", "europe"},
	{"be", "Belgium", "europe"},
	{"ch", "Switzerland", "europe"},
	{"cz", "Czech Republic", "europe"},
	{"de", "Germany", "europe"},
	{"dk", "Denmark", "europe"},
	{"es", "Spain", "europe"},
	{"fi", "Finland", "europe"},
	{"fr", "France", "europe"},
	{"gb", "United Kingdom", "europe"},
	{"gr", "Greece", "europe"},
	{"hu", "Hungary", "europe"},
	{"ie", "Ireland", "europe"},
	{"it", "Italy", "europe"},
	{"lu", "Luxembourg", "europe"},
	{"nl", "Netherlands", "europe"},
	{"no", "Norway", "europe"},
	{"pl", "Poland", "europe"},
	{"pt", "Portugal", "europe"},
	{"ro", "Romania", "europe"},
	{"se", "Sweden", "europe"},
	{"sk", "Slovakia", "europe"},
	{"ca", "Canada", "north_america"},
	{"mx", "Mexico", "north_america"},
	{"us", "United States", "north_america"},
	{"au", "Australia", "asia"},
	{"hk", "Hong Kong", "asia"},
	{"id", "Indonesia", "asia"},
	{"in", "India", "asia"},
	{"jp", "Japan", "asia"},
	{"kr", "South Korea", "asia"},
	{"my", "Malaysia", "asia"},
	{"nz", "New Zealand", "asia"},
	{"ph", "Philippines", "asia"},
	{"sg", "Singapore", "asia"},
	{"th", "Thailand", "asia"},
	{"tw", "Taiwan", "asia"},
	{"vn", "Vietnam", "asia"},
}

var regionAliases = map[string]string{
	"uk":      "gb",
	"usa":     "us",
	"china":   "cn",
	"england": "gb",
}

// Endpoints is the server pair a region resolves to.
type Endpoints struct {
	ID      string
	Name    string
	Gateway string
	// AccountServer hosts the region-server directory and account creation.
	AccountServer string
	// Lookup is set when the account server should be asked for the live
	// gateway before logging in.
	Lookup bool
}

// ResolveRegion maps a country code or name to the vendor endpoints.
func ResolveRegion(code string) (Endpoints, error) {
	key := normalizeRegion(code)
	if alias, ok := regionAliases[key]; ok {
		key = alias
	}
	if key == "cn" {
		return Endpoints{
			ID:            "cn",
			Name:          "China",
			Gateway:       chinaURL,
			AccountServer: chinaURL,
		}, nil
	}
	for _, row := range regionTable {
		if row.id == key || strings.ToLower(row.name) == key {
			return Endpoints{
				ID:            row.id,
				Name:          row.name,
				Gateway:       clusterGateways[row.cluster],
				AccountServer: passportURL,
				Lookup:        true,
			}, nil
		}
	}
	return Endpoints{}, &UnsupportedRegionError{Region: code}
}

// Regions lists the supported region ids.
func Regions() []string {
	out := make([]string, 0, len(regionTable)+1)
	for _, row := range regionTable {
		out = append(out, row.id)
	}
	out = append(out, "cn")
	sort.Strings(out)
	return out
}

func normalizeRegion(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// regionServer is one row of v1/regionservers.
type regionServer struct {
	AccountType string `json:"accountType"`
	Gateway     string `json:"gateway"`
	ID          string `json:"id"`
	Name        string `json:"name"`
}

func matchRegionServer(servers []regionServer, ep Endpoints) (regionServer, bool) {
	for _, srv := range servers {
		id := strings.ToLower(srv.ID)
		name := strings.ToLower(srv.Name)
		if id == ep.ID || name == ep.ID || name == strings.ToLower(ep.Name) {
			if srv.Gateway == "" {
				continue
			}
			return srv, true
		}
	}
	return regionServer{}, false
}

func withTrailingSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
