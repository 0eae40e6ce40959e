package timezone

import (
	"testing"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYorkWindow(t *testing.T, holidays ...string) *Window {
	t.Helper()

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	w, err := NewWindow(loc, weekdays, Clock{Hour: 9}, Clock{Hour: 18}, holidays)
	require.NoError(t, err)
	return w
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	c, err := ParseClock(" 09:30 ")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 9, Minute: 30}, c)
	assert.Equal(t, "09:30", c.String())

	for _, raw := range []string{"9", "24:00", "12:60", "ab:cd"} {
		_, err := ParseClock(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()

	d, err := ParseWeekday("Mon")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, d)

	d, err = ParseWeekday("saturday")
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, d)

	_, err = ParseWeekday("funday")
	assert.Error(t, err)
}

func TestNewWindowRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewWindow(time.UTC, weekdays, Clock{Hour: 18}, Clock{Hour: 9}, nil)
	assert.Error(t, err)

	_, err = NewWindow(time.UTC, nil, Clock{Hour: 9}, Clock{Hour: 18}, nil)
	assert.Error(t, err)

	_, err = NewWindow(time.UTC, weekdays, Clock{Hour: 9}, Clock{Hour: 18}, []string{"2026-13-01"})
	assert.Error(t, err)
}

func TestWindowContainsIsInclusive(t *testing.T) {
	t.Parallel()

	w := newYorkWindow(t)
	loc := w.Location()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "opening minute", at: time.Date(2026, 3, 2, 9, 0, 0, 0, loc), want: true},
		{name: "closing minute", at: time.Date(2026, 3, 2, 18, 0, 0, 0, loc), want: true},
		{name: "just before opening", at: time.Date(2026, 3, 2, 8, 59, 59, 0, loc)},
		{name: "just after closing", at: time.Date(2026, 3, 2, 18, 0, 1, 0, loc)},
		{name: "saturday afternoon", at: time.Date(2026, 3, 7, 14, 0, 0, 0, loc)},
		{name: "utc instant inside local window", at: time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC), want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, w.Contains(tt.at))
		})
	}
}

func TestWindowSnap(t *testing.T) {
	t.Parallel()

	w := newYorkWindow(t, "2026-03-09")
	loc := w.Location()

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			name: "inside window unchanged",
			at:   time.Date(2026, 3, 2, 16, 0, 0, 0, loc),
			want: time.Date(2026, 3, 2, 16, 0, 0, 0, loc),
		},
		{
			name: "early morning moves to opening",
			at:   time.Date(2026, 3, 2, 7, 15, 0, 0, loc),
			want: time.Date(2026, 3, 2, 9, 0, 0, 0, loc),
		},
		{
			name: "evening moves to next day",
			at:   time.Date(2026, 3, 2, 19, 0, 0, 0, loc),
			want: time.Date(2026, 3, 3, 9, 0, 0, 0, loc),
		},
		{
			name: "friday evening skips weekend and monday holiday",
			at:   time.Date(2026, 3, 6, 20, 0, 0, 0, loc),
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := w.Snap(tt.at)
			assert.True(t, got.Equal(tt.want), "Snap() = %s, want %s", got, tt.want)
			assert.True(t, w.Contains(got))
		})
	}
}

func TestWindowNextBusinessDayStart(t *testing.T) {
	t.Parallel()

	w := newYorkWindow(t)
	loc := w.Location()

	got := w.NextBusinessDayStart(time.Date(2026, 3, 6, 10, 0, 0, 0, loc))
	assert.True(t, got.Equal(time.Date(2026, 3, 9, 9, 0, 0, 0, loc)), "got %s", got)

	got = w.NextBusinessDayStart(time.Date(2026, 3, 3, 23, 30, 0, 0, loc))
	assert.True(t, got.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, loc)), "got %s", got)
}

func TestResolverResolve(t *testing.T) {
	t.Parallel()

	regions := append(DefaultRegions(), Region{
		Code:     "GB",
		Country:  "GB",
		Timezone: "Europe/London",
		Weekdays: weekdays,
		Start:    Clock{Hour: 9},
		End:      Clock{Hour: 17, Minute: 30},
	})
	r, err := NewResolver(regions)
	require.NoError(t, err)

	tests := []struct {
		name       string
		hint       RegionHint
		wantRegion string
		wantErr    bool
	}{
		{name: "explicit code", hint: RegionHint{Region: "us-pt", Phone: "+12015550123"}, wantRegion: "US-PT"},
		{name: "alias", hint: RegionHint{Region: " Ontario "}, wantRegion: "CA-ET"},
		{name: "single region country code", hint: RegionHint{Region: "gb"}, wantRegion: "GB"},
		{name: "phone with single region country", hint: RegionHint{Phone: "+441212345678"}, wantRegion: "GB"},
		{name: "phone with ambiguous country", hint: RegionHint{Phone: "+12015550123"}, wantErr: true},
		{name: "country with several regions", hint: RegionHint{Region: "US"}, wantErr: true},
		{name: "unknown region", hint: RegionHint{Region: "mars"}, wantErr: true},
		{name: "unparseable phone", hint: RegionHint{Phone: "not-a-number"}, wantErr: true},
		{name: "empty hint", hint: RegionHint{}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := r.Resolve(tt.hint)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrUnsupportedRegion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRegion, got.Region)
			assert.NotNil(t, got.Window)
		})
	}
}

func TestNewResolverRejectsBadRegions(t *testing.T) {
	t.Parallel()

	_, err := NewResolver([]Region{{Code: "X", Timezone: "Nowhere/Place", Weekdays: weekdays, Start: Clock{Hour: 9}, End: Clock{Hour: 17}}})
	assert.Error(t, err)

	dup := DefaultRegions()
	dup = append(dup, dup[0])
	_, err = NewResolver(dup)
	assert.Error(t, err)
}

func TestRegionsAreSorted(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(DefaultRegions())
	require.NoError(t, err)
	assert.Equal(t, []string{"CA-ET", "CA-PT", "US-CT", "US-ET", "US-MT", "US-PT"}, r.Regions())
}
