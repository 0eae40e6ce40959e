package timezone

import "time"

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// DefaultRegions is the built-in North American service area used when no
// campaigns file overrides it.
func DefaultRegions() []Region {
	open := Clock{Hour: 9}
	closeAt := Clock{Hour: 18}

	return []Region{
		{Code: "US-ET", Country: "US", Timezone: "America/New_York", Aliases: []string{"us-eastern", "new york"}, Weekdays: weekdays, Start: open, End: closeAt},
		{Code: "US-CT", Country: "US", Timezone: "America/Chicago", Aliases: []string{"us-central", "illinois"}, Weekdays: weekdays, Start: open, End: closeAt},
		{Code: "US-MT", Country: "US", Timezone: "America/Denver", Aliases: []string{"us-mountain", "colorado"}, Weekdays: weekdays, Start: open, End: closeAt},
		{Code: "US-PT", Country: "US", Timezone: "America/Los_Angeles", Aliases: []string{"us-pacific", "california"}, Weekdays: weekdays, Start: open, End: closeAt},
		{Code: "CA-ET", Country: "CA", Timezone: "America/Toronto", Aliases: []string{"ontario"}, Weekdays: weekdays, Start: open, End: closeAt},
		{Code: "CA-PT", Country: "CA", Timezone: "America/Vancouver", Aliases: []string{"british columbia"}, Weekdays: weekdays, Start: open, End: closeAt},
	}
}
