package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicies = `
defaultPolicy:
  escalationThreshold: 4
  infraCooldown: 10m
campaigns:
  - id: dental-confirm
    kind: confirmation
    policy:
      sameDayRetryDelay: 90m
      nextDayOffset: 1h
  - id: solar-leads
    kind: qualification
regions:
  - code: US-ET
    country: US
    timezone: America/New_York
    aliases: [new york]
    weekdays: [mon, tue, wed, thu, fri]
    start: "08:30"
    end: "17:00"
    holidays: ["2026-12-25"]
`

func TestParsePolicies(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicies([]byte(samplePolicies))
	require.NoError(t, err)

	assert.Equal(t, 4, p.Default.EscalationThreshold)
	assert.Equal(t, 10*time.Minute, p.Default.InfraCooldown)
	assert.Equal(t, retry.DefaultSameDayRetryDelay, p.Default.SameDayRetryDelay)

	dental := p.PolicyFor("dental-confirm")
	assert.Equal(t, 90*time.Minute, dental.SameDayRetryDelay)
	assert.Equal(t, time.Hour, dental.NextDayOffset)
	assert.Equal(t, 4, dental.EscalationThreshold, "campaign inherits file defaults")

	c, ok := p.Campaign("solar-leads")
	require.True(t, ok)
	assert.Equal(t, domain.CampaignQualification, c.Kind)

	assert.Equal(t, p.Default, p.PolicyFor("unknown-campaign"))

	require.Len(t, p.Regions, 1)
	assert.Equal(t, "US-ET", p.Regions[0].Code)
	assert.Equal(t, 8, p.Regions[0].Start.Hour)
	assert.Equal(t, 30, p.Regions[0].Start.Minute)
	assert.Len(t, p.Regions[0].Weekdays, 5)
}

func TestParsePoliciesRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "zero threshold", yaml: "defaultPolicy:\n  escalationThreshold: 0\n"},
		{name: "unknown kind", yaml: "campaigns:\n  - id: x\n    kind: survey\n"},
		{name: "missing campaign id", yaml: "campaigns:\n  - kind: confirmation\n"},
		{name: "duplicate campaign", yaml: "campaigns:\n  - id: x\n    kind: confirmation\n  - id: x\n    kind: confirmation\n"},
		{name: "bad holiday", yaml: "regions:\n  - code: GB\n    country: GB\n    timezone: Europe/London\n    weekdays: [mon]\n    start: \"09:00\"\n    end: \"17:00\"\n    holidays: [\"25/12/2026\"]\n"},
		{name: "bad weekday", yaml: "regions:\n  - code: GB\n    country: GB\n    timezone: Europe/London\n    weekdays: [someday]\n    start: \"09:00\"\n    end: \"17:00\"\n"},
		{name: "malformed yaml", yaml: "campaigns: [\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParsePolicies([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicies(t *testing.T) {
	t.Parallel()

	p, err := LoadPolicies("")
	require.NoError(t, err)
	assert.Equal(t, retry.DefaultPolicy(), p.Default)
	assert.NotEmpty(t, p.Regions)

	path := filepath.Join(t.TempDir(), "campaigns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	p, err = LoadPolicies(path)
	require.NoError(t, err)
	assert.Contains(t, p.Campaigns, "dental-confirm")

	_, err = LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
