package timezone

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

// Region describes one supported service region and its calling hours.
type Region struct {
	Code     string
	Country  string
	Timezone string
	Aliases  []string
	Weekdays []time.Weekday
	Start    Clock
	End      Clock
	Holidays []string
}

// RegionHint carries whatever the CRM knows about where a contact lives.
type RegionHint struct {
	Region string
	Phone  string
}

// Resolution is the resolved region of a contact.
type Resolution struct {
	Region   string
	Country  string
	Timezone string
	Window   *Window
}

type Resolver struct {
	byKey     map[string]Resolution
	byCountry map[string][]Resolution
}

func NewResolver(regions []Region) (*Resolver, error) {
	r := &Resolver{
		byKey:     make(map[string]Resolution),
		byCountry: make(map[string][]Resolution),
	}

	for _, region := range regions {
		code := normalizeKey(region.Code)
		if code == "" {
			return nil, fmt.Errorf("region code is required")
		}
		if _, exists := r.byKey[code]; exists {
			return nil, fmt.Errorf("duplicate region %q", region.Code)
		}

		loc, err := time.LoadLocation(region.Timezone)
		if err != nil {
			return nil, fmt.Errorf("region %s: load timezone %q: %w", region.Code, region.Timezone, err)
		}
		window, err := NewWindow(loc, region.Weekdays, region.Start, region.End, region.Holidays)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", region.Code, err)
		}

		country := strings.ToUpper(strings.TrimSpace(region.Country))
		res := Resolution{
			Region:   strings.TrimSpace(region.Code),
			Country:  country,
			Timezone: loc.String(),
			Window:   window,
		}

		r.byKey[code] = res
		for _, alias := range region.Aliases {
			key := normalizeKey(alias)
			if key == "" {
				continue
			}
			if existing, exists := r.byKey[key]; exists && existing.Region != res.Region {
				return nil, fmt.Errorf("alias %q maps to both %s and %s", alias, existing.Region, res.Region)
			}
			r.byKey[key] = res
		}
		if country != "" {
			r.byCountry[country] = append(r.byCountry[country], res)
		}
	}

	return r, nil
}

// Resolve maps a region hint to a supported region. An explicit region wins;
// without one the country is derived from the phone number and accepted only
// when a single supported region belongs to it.
func (r *Resolver) Resolve(hint RegionHint) (Resolution, error) {
	if region := normalizeKey(hint.Region); region != "" {
		if res, ok := r.byKey[region]; ok {
			return res, nil
		}
		if res, ok := r.singleRegion(strings.ToUpper(region)); ok {
			return res, nil
		}
		return Resolution{}, fmt.Errorf("%w: region %q is not served", domain.ErrUnsupportedRegion, hint.Region)
	}

	phone := strings.TrimSpace(hint.Phone)
	if phone == "" {
		return Resolution{}, fmt.Errorf("%w: no region or phone number", domain.ErrUnsupportedRegion)
	}

	country, err := CountryForPhone(phone)
	if err != nil {
		return Resolution{}, err
	}

	res, ok := r.singleRegion(country)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: country %s of %s does not map to exactly one region", domain.ErrUnsupportedRegion, country, phone)
	}
	return res, nil
}

// Regions lists the supported region codes in sorted order.
func (r *Resolver) Regions() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(r.byKey))
	for _, res := range r.byKey {
		if _, ok := seen[res.Region]; ok {
			continue
		}
		seen[res.Region] = struct{}{}
		out = append(out, res.Region)
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) singleRegion(country string) (Resolution, bool) {
	candidates := r.byCountry[country]
	if len(candidates) != 1 {
		return Resolution{}, false
	}
	return candidates[0], true
}

// CountryForPhone returns the ISO 3166 country of an E.164 number.
func CountryForPhone(phone string) (string, error) {
	num, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return "", fmt.Errorf("%w: parse phone %q: %v", domain.ErrUnsupportedRegion, phone, err)
	}
	country := phonenumbers.GetRegionCodeForNumber(num)
	if country == "" || country == "ZZ" {
		return "", fmt.Errorf("%w: no country for phone %q", domain.ErrUnsupportedRegion, phone)
	}
	return country, nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
