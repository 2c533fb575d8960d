package escrow

import (
	"errors"
	"testing"
)

func TestSplit(t *testing.T) {
	p := NewFeePolicy(FeeRates{PlatformBps: 1000, ConsultantBps: 500})

	s, err := p.Split("proj-1", 300, true)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if s.PlatformFee != 30 || s.ConsultantFee != 15 || s.FreelancerPayout != 255 {
		t.Errorf("Expected 30/15/255, got %d/%d/%d", s.PlatformFee, s.ConsultantFee, s.FreelancerPayout)
	}
	if s.PlatformFee+s.ConsultantFee+s.FreelancerPayout != s.Total {
		t.Error("Split parts do not sum to total")
	}
}

func TestSplit_NoConsultant(t *testing.T) {
	p := NewFeePolicy(FeeRates{PlatformBps: 1000, ConsultantBps: 500})

	s, err := p.Split("proj-1", 300, false)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if s.ConsultantFee != 0 {
		t.Errorf("Expected zero consultant fee, got %d", s.ConsultantFee)
	}
	if s.FreelancerPayout != 270 {
		t.Errorf("Expected consultant share in payout (270), got %d", s.FreelancerPayout)
	}
}

func TestSplit_RoundingRemainderToFreelancer(t *testing.T) {
	p := NewFeePolicy(FeeRates{PlatformBps: 333, ConsultantBps: 333})

	// 100 * 333 / 10000 = 3 (truncated) for each fee; the remainder stays
	// with the freelancer.
	s, err := p.Split("proj-1", 100, true)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if s.PlatformFee != 3 || s.ConsultantFee != 3 || s.FreelancerPayout != 94 {
		t.Errorf("Expected 3/3/94, got %d/%d/%d", s.PlatformFee, s.ConsultantFee, s.FreelancerPayout)
	}
}

func TestSplit_InvalidRates(t *testing.T) {
	cases := []FeeRates{
		{PlatformBps: -1, ConsultantBps: 0},
		{PlatformBps: 0, ConsultantBps: -1},
		{PlatformBps: 9000, ConsultantBps: 5000},
	}
	for _, r := range cases {
		p := NewFeePolicy(r)
		if _, err := p.Split("proj-1", 300, true); !errors.Is(err, ErrInvalidFeeConfiguration) {
			t.Errorf("Rates %+v: expected ErrInvalidFeeConfiguration, got %v", r, err)
		}
	}
}

func TestSplit_FullPlatformCut(t *testing.T) {
	p := NewFeePolicy(FeeRates{PlatformBps: 10000, ConsultantBps: 0})

	s, err := p.Split("proj-1", 300, false)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if s.PlatformFee != 300 || s.FreelancerPayout != 0 {
		t.Errorf("Expected 300/0, got %d/%d", s.PlatformFee, s.FreelancerPayout)
	}
}

func TestRates_ProjectOverride(t *testing.T) {
	p := NewFeePolicy(FeeRates{PlatformBps: 1000, ConsultantBps: 500})
	p.Overrides["proj-special"] = FeeRates{PlatformBps: 200, ConsultantBps: 0}

	if got := p.Rates("proj-special"); got.PlatformBps != 200 {
		t.Errorf("Expected override 200 bps, got %d", got.PlatformBps)
	}
	if got := p.Rates("proj-other"); got.PlatformBps != 1000 {
		t.Errorf("Expected default 1000 bps, got %d", got.PlatformBps)
	}

	s, err := p.Split("proj-special", 1000, false)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if s.PlatformFee != 20 || s.FreelancerPayout != 980 {
		t.Errorf("Expected 20/980, got %d/%d", s.PlatformFee, s.FreelancerPayout)
	}
}

func TestParseSchedule(t *testing.T) {
	out, err := ParseSchedule("proj-9:1500:0, proj-12:500:250")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(out))
	}
	if out["proj-9"].PlatformBps != 1500 || out["proj-12"].ConsultantBps != 250 {
		t.Errorf("Unexpected schedule: %+v", out)
	}
}

func TestParseSchedule_Empty(t *testing.T) {
	out, err := ParseSchedule("  ")
	if err != nil {
		t.Fatalf("ParseSchedule failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected empty schedule, got %+v", out)
	}
}

func TestParseSchedule_Malformed(t *testing.T) {
	bad := []string{
		"proj-9:1500",
		"proj-9:abc:0",
		"proj-9:0:xyz",
		"proj-9:20000:0",
	}
	for _, s := range bad {
		if _, err := ParseSchedule(s); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", s)
		}
	}
}
