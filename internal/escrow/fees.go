package escrow

import (
	"fmt"
	"strconv"
	"strings"
)

// bpsDenominator is the basis-point scale: 10000 bps = 100%.
const bpsDenominator = 10000

// FeeRates are the platform and consultant cuts in basis points.
type FeeRates struct {
	PlatformBps   int64
	ConsultantBps int64
}

func (r FeeRates) valid() bool {
	return r.PlatformBps >= 0 && r.ConsultantBps >= 0 &&
		r.PlatformBps+r.ConsultantBps <= bpsDenominator
}

// FeePolicy computes the fee split for a checkpoint release. Rates come
// from configuration: a default pair plus optional per-project overrides.
type FeePolicy struct {
	Default   FeeRates
	Overrides map[string]FeeRates // keyed by project ID
}

// NewFeePolicy creates a policy with the given default rates.
func NewFeePolicy(defaults FeeRates) *FeePolicy {
	return &FeePolicy{Default: defaults, Overrides: make(map[string]FeeRates)}
}

// Rates returns the rates that apply to a project.
func (p *FeePolicy) Rates(projectID string) FeeRates {
	if r, ok := p.Overrides[projectID]; ok {
		return r
	}
	return p.Default
}

// Split is a checkpoint amount divided between the parties. Rounding
// remainders go to the freelancer, so the three parts always sum to Total.
type Split struct {
	Total            int64 `json:"totalAmount"`
	PlatformFee      int64 `json:"platformFee"`
	ConsultantFee    int64 `json:"consultantFee"`
	FreelancerPayout int64 `json:"freelancerPayout"`
}

// Split computes the fee split for a checkpoint amount. When the
// engagement has no consultant, the consultant share folds into the
// freelancer payout rather than the platform's.
func (p *FeePolicy) Split(projectID string, total int64, hasConsultant bool) (Split, error) {
	r := p.Rates(projectID)
	if !r.valid() {
		return Split{}, fmt.Errorf("%w: %d+%d bps for project %s",
			ErrInvalidFeeConfiguration, r.PlatformBps, r.ConsultantBps, projectID)
	}

	s := Split{Total: total}
	s.PlatformFee = total * r.PlatformBps / bpsDenominator
	if hasConsultant {
		s.ConsultantFee = total * r.ConsultantBps / bpsDenominator
	}
	s.FreelancerPayout = total - s.PlatformFee - s.ConsultantFee
	if s.FreelancerPayout < 0 {
		return Split{}, fmt.Errorf("%w: payout %d for total %d",
			ErrInvalidFeeConfiguration, s.FreelancerPayout, total)
	}
	return s, nil
}

// ParseSchedule parses per-project fee overrides from configuration.
// Format: "projectID:platformBps:consultantBps" entries joined by commas,
// e.g. "proj-9:1500:0,proj-12:500:250".
func ParseSchedule(schedule string) (map[string]FeeRates, error) {
	out := make(map[string]FeeRates)
	if strings.TrimSpace(schedule) == "" {
		return out, nil
	}

	for _, entry := range strings.Split(schedule, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("fee schedule entry %q: want projectID:platformBps:consultantBps", entry)
		}
		platform, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("fee schedule entry %q: bad platform bps: %w", entry, err)
		}
		consultant, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("fee schedule entry %q: bad consultant bps: %w", entry, err)
		}
		r := FeeRates{PlatformBps: platform, ConsultantBps: consultant}
		if !r.valid() {
			return nil, fmt.Errorf("fee schedule entry %q: rates out of range", entry)
		}
		out[strings.TrimSpace(parts[0])] = r
	}
	return out, nil
}
