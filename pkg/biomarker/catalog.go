package biomarker

// Range is an inclusive min/max pair.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Definition describes one biomarker and its three reference bands.
// Bands are expected to nest: optimal within acceptable within conventional.
type Definition struct {
	Key          string
	Name         string
	Unit         string
	Category     string
	Description  string
	Aliases      []string
	Optimal      Range
	Acceptable   Range
	Conventional Range
}

const (
	CategoryMetabolic = "metabolic"
	CategoryLipid     = "lipid"
	CategoryThyroid   = "thyroid"
	CategoryHematic   = "hematic"
)

var catalog = []Definition{
	// ===== METABOLIC =====
	{
		Key: "fasting_glucose", Name: "Glucosa en Ayunas", Unit: "mg/dL", Category: CategoryMetabolic,
		Description: "Nivel de azúcar en sangre tras 8 horas de ayuno.",
		Aliases:     []string{"glucosa en ayunas", "glucosa basal", "fasting glucose", "glucosa", "glucose"},
		Optimal:     Range{75, 86}, Acceptable: Range{70, 99}, Conventional: Range{65, 99},
	},
	{
		Key: "fasting_insulin", Name: "Insulina en Ayunas", Unit: "μIU/mL", Category: CategoryMetabolic,
		Description: "Hormona que regula la entrada de glucosa a las células.",
		Aliases:     []string{"insulina en ayunas", "insulina basal", "fasting insulin", "insulina", "insulin"},
		Optimal:     Range{2, 5}, Acceptable: Range{2, 6}, Conventional: Range{2, 19},
	},
	{
		Key: "hba1c", Name: "Hemoglobina Glicosilada", Unit: "%", Category: CategoryMetabolic,
		Description: "Promedio de glucosa de los últimos tres meses.",
		Aliases:     []string{"hemoglobina glicosilada", "hemoglobina glucosilada", "hba1c", "a1c"},
		Optimal:     Range{4.6, 5.3}, Acceptable: Range{4.0, 5.6}, Conventional: Range{4.0, 6.4},
	},

	// ===== LIPIDS =====
	{
		Key: "total_cholesterol", Name: "Colesterol Total", Unit: "mg/dL", Category: CategoryLipid,
		Description: "Suma del colesterol transportado por todas las lipoproteínas.",
		Aliases:     []string{"colesterol total", "total cholesterol", "colesterol"},
		Optimal:     Range{120, 180}, Acceptable: Range{120, 200}, Conventional: Range{0, 200},
	},
	{
		Key: "ldl", Name: "LDL Colesterol", Unit: "mg/dL", Category: CategoryLipid,
		Description: "Lipoproteína de baja densidad.",
		Aliases:     []string{"ldl colesterol", "colesterol ldl", "ldl-c", "ldl"},
		Optimal:     Range{40, 70}, Acceptable: Range{40, 100}, Conventional: Range{0, 100},
	},
	{
		Key: "triglycerides", Name: "Triglicéridos", Unit: "mg/dL", Category: CategoryLipid,
		Description: "Grasas circulantes en sangre.",
		Aliases:     []string{"triglicéridos", "trigliceridos", "triglycerides"},
		Optimal:     Range{50, 100}, Acceptable: Range{40, 130}, Conventional: Range{0, 150},
	},

	// ===== THYROID =====
	{
		Key: "tsh", Name: "TSH", Unit: "mIU/L", Category: CategoryThyroid,
		Description: "Hormona estimulante de la tiroides.",
		Aliases:     []string{"hormona estimulante de tiroides", "tirotropina", "tsh"},
		Optimal:     Range{0.5, 2.0}, Acceptable: Range{0.5, 2.5}, Conventional: Range{0.4, 4.0},
	},

	// ===== HEMATIC =====
	{
		Key: "hemoglobin", Name: "Hemoglobina", Unit: "g/dL", Category: CategoryHematic,
		Description: "Proteína que transporta oxígeno en los glóbulos rojos.",
		Aliases:     []string{"hemoglobina", "hemoglobin", "hgb"},
		Optimal:     Range{13.5, 15.5}, Acceptable: Range{12.5, 16.5}, Conventional: Range{12.0, 17.5},
	},
}

// Catalog returns a copy of the known biomarker definitions.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a definition by key.
func Lookup(key string) (Definition, bool) {
	for _, def := range catalog {
		if def.Key == key {
			return def, true
		}
	}
	return Definition{}, false
}
