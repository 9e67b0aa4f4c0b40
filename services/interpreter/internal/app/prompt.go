package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"cabohealth/pkg/biomarker"
)

const systemPrompt = `Eres un asistente clínico de medicina funcional. Redactas un borrador de interpretación de análisis de laboratorio para que un médico lo revise antes de compartirlo con el paciente.
- Escribe en español, con tono profesional y claro.
- Basa cada afirmación en los valores proporcionados; no inventes resultados.
- Compara cada biomarcador con su rango óptimo funcional además del convencional.
- Estructura: Resumen general, Hallazgos por sistema, Biomarcadores fuera de rango óptimo, Sugerencias para el médico.
- No emitas diagnósticos definitivos ni prescripciones.`

// PatientContext is what the prompt knows about the patient.
type PatientContext struct {
	Name   string
	Age    int
	Gender string
}

func buildUserPrompt(patient PatientContext, results []biomarker.Result, text string, excerptRunes int) string {
	var b strings.Builder
	b.WriteString("Datos del paciente:\n")
	fmt.Fprintf(&b, "- Nombre: %s\n", orUnknown(patient.Name))
	if patient.Age > 0 {
		fmt.Fprintf(&b, "- Edad: %d años\n", patient.Age)
	} else {
		b.WriteString("- Edad: no especificada\n")
	}
	fmt.Fprintf(&b, "- Sexo: %s\n\n", orUnknown(patient.Gender))

	if len(results) == 0 {
		b.WriteString("No se identificaron biomarcadores del catálogo en el documento.\n\n")
	} else {
		b.WriteString("Biomarcadores clasificados:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s: %g %s [%s] óptimo %g-%g, convencional %g-%g. %s\n",
				r.Name, r.Value, r.Unit, r.Classification,
				r.Optimal.Min, r.Optimal.Max, r.Conventional.Min, r.Conventional.Max,
				r.Interpretation)
		}
		if risk := biomarker.OverallRisk(results); risk != "" {
			fmt.Fprintf(&b, "Riesgo global estimado: %s\n", risk)
		}
		b.WriteString("\n")
	}

	b.WriteString("Extracto del informe original:\n")
	b.WriteString(excerpt(text, excerptRunes))
	b.WriteString("\n")
	return b.String()
}

func excerpt(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "…"
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "no especificado"
	}
	return strings.TrimSpace(s)
}
