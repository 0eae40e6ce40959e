package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/retry"
	"github.com/kursadbilgin/callflow-engine/internal/timezone"
)

// PolicyFile is the on-disk layout of CAMPAIGNS_FILE.
type PolicyFile struct {
	DefaultPolicy PolicySpec     `yaml:"defaultPolicy"`
	Campaigns     []CampaignSpec `yaml:"campaigns" validate:"dive"`
	Regions       []RegionSpec   `yaml:"regions" validate:"dive"`
}

// PolicySpec overrides individual retry knobs. Durations are Go duration strings.
type PolicySpec struct {
	EscalationThreshold *int           `yaml:"escalationThreshold" validate:"omitempty,min=1,max=20"`
	SameDayRetryDelay   *time.Duration `yaml:"sameDayRetryDelay"`
	NextDayOffset       *time.Duration `yaml:"nextDayOffset"`
	InfraCooldown       *time.Duration `yaml:"infraCooldown"`
	InfraFailureBudget  *int           `yaml:"infraFailureBudget" validate:"omitempty,min=1,max=20"`
}

type CampaignSpec struct {
	ID     string     `yaml:"id" validate:"required"`
	Kind   string     `yaml:"kind" validate:"required"`
	Policy PolicySpec `yaml:"policy"`
}

type RegionSpec struct {
	Code     string   `yaml:"code" validate:"required"`
	Country  string   `yaml:"country" validate:"required,len=2,alpha"`
	Timezone string   `yaml:"timezone" validate:"required"`
	Aliases  []string `yaml:"aliases"`
	Weekdays []string `yaml:"weekdays" validate:"required,min=1,dive,required"`
	Start    string   `yaml:"start" validate:"required"`
	End      string   `yaml:"end" validate:"required"`
	Holidays []string `yaml:"holidays" validate:"dive,datetime=2006-01-02"`
}

type Campaign struct {
	ID     string
	Kind   domain.CampaignKind
	Policy retry.Policy
}

// Policies is the resolved campaign and region configuration.
type Policies struct {
	Default   retry.Policy
	Campaigns map[string]Campaign
	Regions   []timezone.Region
}

func DefaultPolicies() *Policies {
	return &Policies{
		Default:   retry.DefaultPolicy(),
		Campaigns: map[string]Campaign{},
		Regions:   timezone.DefaultRegions(),
	}
}

// PolicyFor returns the campaign's policy, falling back to the default policy.
func (p *Policies) PolicyFor(campaignID string) retry.Policy {
	if c, ok := p.Campaigns[campaignID]; ok {
		return c.Policy
	}
	return p.Default
}

func (p *Policies) Campaign(campaignID string) (Campaign, bool) {
	c, ok := p.Campaigns[campaignID]
	return c, ok
}

// LoadPolicies reads the campaigns file. An empty path yields the built-in defaults.
func LoadPolicies(path string) (*Policies, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicies(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaigns file: %w", err)
	}
	return ParsePolicies(data)
}

func ParsePolicies(data []byte) (*Policies, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse campaigns file: %w", err)
	}

	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid campaigns file: %w", formatValidationError(err))
	}

	out := DefaultPolicies()
	out.Default = file.DefaultPolicy.apply(out.Default)
	if err := out.Default.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default policy: %w", err)
	}

	for _, spec := range file.Campaigns {
		id := strings.TrimSpace(spec.ID)
		if _, dup := out.Campaigns[id]; dup {
			return nil, fmt.Errorf("invalid campaigns file: duplicate campaign %q", id)
		}
		kind, err := domain.ParseCampaignKindFromString(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %w", id, err)
		}
		policy := spec.Policy.apply(out.Default)
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("campaign %s: %w", id, err)
		}
		out.Campaigns[id] = Campaign{ID: id, Kind: kind, Policy: policy}
	}

	if len(file.Regions) > 0 {
		regions := make([]timezone.Region, 0, len(file.Regions))
		for _, spec := range file.Regions {
			region, err := spec.toRegion()
			if err != nil {
				return nil, fmt.Errorf("region %s: %w", spec.Code, err)
			}
			regions = append(regions, region)
		}
		out.Regions = regions
	}

	return out, nil
}

func (s PolicySpec) apply(base retry.Policy) retry.Policy {
	if s.EscalationThreshold != nil {
		base.EscalationThreshold = *s.EscalationThreshold
	}
	if s.SameDayRetryDelay != nil {
		base.SameDayRetryDelay = *s.SameDayRetryDelay
	}
	if s.NextDayOffset != nil {
		base.NextDayOffset = *s.NextDayOffset
	}
	if s.InfraCooldown != nil {
		base.InfraCooldown = *s.InfraCooldown
	}
	if s.InfraFailureBudget != nil {
		base.InfraFailureBudget = *s.InfraFailureBudget
	}
	return base
}

func (s RegionSpec) toRegion() (timezone.Region, error) {
	start, err := timezone.ParseClock(s.Start)
	if err != nil {
		return timezone.Region{}, err
	}
	end, err := timezone.ParseClock(s.End)
	if err != nil {
		return timezone.Region{}, err
	}

	days := make([]time.Weekday, 0, len(s.Weekdays))
	for _, raw := range s.Weekdays {
		d, err := timezone.ParseWeekday(raw)
		if err != nil {
			return timezone.Region{}, err
		}
		days = append(days, d)
	}

	return timezone.Region{
		Code:     s.Code,
		Country:  s.Country,
		Timezone: s.Timezone,
		Aliases:  s.Aliases,
		Weekdays: days,
		Start:    start,
		End:      end,
		Holidays: s.Holidays,
	}, nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
