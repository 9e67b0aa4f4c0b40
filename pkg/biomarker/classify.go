package biomarker

import (
	"fmt"

	"cabohealth/pkg/domain"
)

type Classification string

const (
	Optimal    Classification = "OPTIMAL"
	Acceptable Classification = "ACCEPTABLE"
	Suboptimal Classification = "SUBOPTIMAL"
	Anomalous  Classification = "ANOMALOUS"
)

type Position string

const (
	PositionNormal       Position = "normal"
	PositionBelowOptimal Position = "below_optimal"
	PositionAboveOptimal Position = "above_optimal"
)

// Result is one lab value placed against its reference bands.
type Result struct {
	Key            string           `json:"key"`
	Name           string           `json:"name"`
	Value          float64          `json:"value"`
	Unit           string           `json:"unit"`
	Category       string           `json:"category"`
	Classification Classification   `json:"classification"`
	RiskLevel      domain.RiskLevel `json:"risk_level"`
	Position       Position         `json:"position"`
	Optimal        Range            `json:"optimal_range"`
	Acceptable     Range            `json:"acceptable_range"`
	Conventional   Range            `json:"conventional_range"`
	Message        string           `json:"message"`
	Interpretation string           `json:"interpretation"`
	Description    string           `json:"description"`
}

// Classify places value in the first band that contains it, checking
// optimal, then acceptable, then conventional.
func Classify(def Definition, value float64) Result {
	res := Result{
		Key:          def.Key,
		Name:         def.Name,
		Value:        value,
		Unit:         def.Unit,
		Category:     def.Category,
		Optimal:      def.Optimal,
		Acceptable:   def.Acceptable,
		Conventional: def.Conventional,
		Description:  def.Description,
		Position:     PositionNormal,
	}
	switch {
	case def.Optimal.Contains(value):
		res.Classification = Optimal
		res.RiskLevel = domain.RiskLow
	case def.Acceptable.Contains(value):
		res.Classification = Acceptable
		res.RiskLevel = domain.RiskLow
	case def.Conventional.Contains(value):
		res.Classification = Suboptimal
		res.RiskLevel = domain.RiskMedium
	default:
		res.Classification = Anomalous
		res.RiskLevel = domain.RiskHigh
	}
	if value < def.Optimal.Min {
		res.Position = PositionBelowOptimal
	} else if value > def.Optimal.Max {
		res.Position = PositionAboveOptimal
	}
	res.Message, res.Interpretation = describe(def, res)
	return res
}

func describe(def Definition, res Result) (string, string) {
	direction := "dentro del rango óptimo"
	switch res.Position {
	case PositionBelowOptimal:
		direction = "por debajo del rango óptimo"
	case PositionAboveOptimal:
		direction = "por encima del rango óptimo"
	}
	optimal := fmt.Sprintf("%g-%g %s", def.Optimal.Min, def.Optimal.Max, def.Unit)
	switch res.Classification {
	case Optimal:
		return "Valor óptimo", fmt.Sprintf("%s se encuentra %s (%s).", def.Name, direction, optimal)
	case Acceptable:
		return "Valor aceptable", fmt.Sprintf("%s está %s pero dentro de lo aceptable (óptimo %s).", def.Name, direction, optimal)
	case Suboptimal:
		return "Valor subóptimo", fmt.Sprintf("%s está %s; aún dentro del rango convencional, requiere seguimiento.", def.Name, direction)
	default:
		return "Valor anómalo", fmt.Sprintf("%s está fuera del rango convencional (%g-%g %s).", def.Name, def.Conventional.Min, def.Conventional.Max, def.Unit)
	}
}

// CategorySummary counts classifications within one category.
type CategorySummary struct {
	Total      int `json:"total"`
	Optimal    int `json:"optimo"`
	Acceptable int `json:"aceptable"`
	Suboptimal int `json:"suboptimo"`
	Anomalous  int `json:"anomalo"`
}

// Summarize groups results by category.
func Summarize(results []Result) map[string]CategorySummary {
	out := make(map[string]CategorySummary)
	for _, r := range results {
		s := out[r.Category]
		s.Total++
		switch r.Classification {
		case Optimal:
			s.Optimal++
		case Acceptable:
			s.Acceptable++
		case Suboptimal:
			s.Suboptimal++
		case Anomalous:
			s.Anomalous++
		}
		out[r.Category] = s
	}
	return out
}

// OverallRisk is the highest risk among results, or empty when there are none.
func OverallRisk(results []Result) domain.RiskLevel {
	var worst domain.RiskLevel
	rank := map[domain.RiskLevel]int{domain.RiskLow: 1, domain.RiskMedium: 2, domain.RiskHigh: 3}
	for _, r := range results {
		if rank[r.RiskLevel] > rank[worst] {
			worst = r.RiskLevel
		}
	}
	return worst
}
