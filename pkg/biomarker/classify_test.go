package biomarker

import (
	"testing"

	"cabohealth/pkg/domain"
)

func TestClassifyCatalogValues(t *testing.T) {
	cases := []struct {
		key      string
		value    float64
		class    Classification
		risk     domain.RiskLevel
		position Position
	}{
		{"fasting_glucose", 95, Acceptable, domain.RiskLow, PositionAboveOptimal},
		{"fasting_insulin", 4, Optimal, domain.RiskLow, PositionNormal},
		{"total_cholesterol", 190, Acceptable, domain.RiskLow, PositionAboveOptimal},
		{"ldl", 65, Optimal, domain.RiskLow, PositionNormal},
		{"tsh", 3.2, Suboptimal, domain.RiskMedium, PositionAboveOptimal},
		{"fasting_glucose", 60, Anomalous, domain.RiskHigh, PositionBelowOptimal},
		{"fasting_glucose", 72, Acceptable, domain.RiskLow, PositionBelowOptimal},
		{"tsh", 2.0, Optimal, domain.RiskLow, PositionNormal},
	}
	for _, tc := range cases {
		def, ok := Lookup(tc.key)
		if !ok {
			t.Fatalf("missing catalog entry %s", tc.key)
		}
		got := Classify(def, tc.value)
		if got.Classification != tc.class {
			t.Fatalf("%s=%v: classification got %s want %s", tc.key, tc.value, got.Classification, tc.class)
		}
		if got.RiskLevel != tc.risk {
			t.Fatalf("%s=%v: risk got %s want %s", tc.key, tc.value, got.RiskLevel, tc.risk)
		}
		if got.Position != tc.position {
			t.Fatalf("%s=%v: position got %s want %s", tc.key, tc.value, got.Position, tc.position)
		}
		if got.Message == "" || got.Interpretation == "" {
			t.Fatalf("%s=%v: expected message and interpretation", tc.key, tc.value)
		}
	}
}

func TestCatalogBandsNest(t *testing.T) {
	for _, def := range Catalog() {
		if def.Optimal.Min < def.Acceptable.Min || def.Optimal.Max > def.Acceptable.Max {
			t.Fatalf("%s: optimal band outside acceptable", def.Key)
		}
		if def.Acceptable.Min < def.Conventional.Min || def.Acceptable.Max > def.Conventional.Max {
			t.Fatalf("%s: acceptable band outside conventional", def.Key)
		}
	}
}

func TestSummarizeCountsPerCategory(t *testing.T) {
	results := []Result{
		{Category: CategoryMetabolic, Classification: Suboptimal},
		{Category: CategoryMetabolic, Classification: Optimal},
		{Category: CategoryLipid, Classification: Acceptable},
		{Category: CategoryLipid, Classification: Optimal},
		{Category: CategoryThyroid, Classification: Anomalous},
	}
	summary := Summarize(results)
	metabolic := summary[CategoryMetabolic]
	if metabolic.Total != 2 || metabolic.Suboptimal != 1 || metabolic.Optimal != 1 {
		t.Fatalf("unexpected metabolic summary: %+v", metabolic)
	}
	lipid := summary[CategoryLipid]
	if lipid.Total != 2 || lipid.Acceptable != 1 || lipid.Optimal != 1 {
		t.Fatalf("unexpected lipid summary: %+v", lipid)
	}
	if summary[CategoryThyroid].Anomalous != 1 {
		t.Fatalf("unexpected thyroid summary: %+v", summary[CategoryThyroid])
	}
}

func TestOverallRisk(t *testing.T) {
	if got := OverallRisk(nil); got != "" {
		t.Fatalf("expected empty risk, got %q", got)
	}
	results := []Result{{RiskLevel: domain.RiskLow}, {RiskLevel: domain.RiskMedium}}
	if got := OverallRisk(results); got != domain.RiskMedium {
		t.Fatalf("expected medium, got %q", got)
	}
}
