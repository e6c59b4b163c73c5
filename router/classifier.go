package router

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

var (
	truthExtensions       = []string{".pdf", ".scidoc"}
	ephemeralExtensions   = []string{".pptx", ".docx", ".doc", ".eml", ".msg", ".html", ".md", ".txt"}
	operationalExtensions = []string{".csv", ".parquet", ".json", ".log", ".jsonl", ".xlsx"}

	truthKeywords = []string{
		"manual", "spec", "specification", "standard", "iso", "safety",
		"protocol", "procedure", "guideline", "regulation", "compliance",
		"datasheet", "technical", "engineering", "reference", "nist",
		"fedramp", "stig", "cve", "policy",
	}

	highSensitivityKeywords     = []string{"secret", "credential", "password", "ssn", "pii", "phi", "cui"}
	moderateSensitivityKeywords = []string{"proprietary", "internal", "confidential", "draft"}
)

// Classify assigns a data class, sensitivity and compliance tags from the
// file name alone. An unknown extension falls back to ephemeral_stream.
func Classify(filename string) ClassificationResult {
	name := strings.ToLower(filepath.Base(filename))
	ext := filepath.Ext(name)

	class, reason := classifyExtension(ext, name)
	sensitivity := classifySensitivity(name)

	return ClassificationResult{
		DataClass:            class,
		Reason:               reason,
		Sensitivity:          sensitivity,
		Categories:           detectCategories(name),
		DecayRate:            class.DecayRate(),
		RequiresEncryption:   sensitivity == SensitivityHigh,
		ComplianceFrameworks: detectFrameworks(name),
		Confidence:           class.confidence(),
	}
}

func classifyExtension(ext, name string) (DataClass, string) {
	switch {
	case slices.Contains(truthExtensions, ext):
		return ClassImmutableTruth, fmt.Sprintf("extension %s: technical document", ext)
	case slices.Contains(operationalExtensions, ext):
		return ClassOperationalPulse, fmt.Sprintf("extension %s: operational data", ext)
	case slices.Contains(ephemeralExtensions, ext):
		if containsAny(name, truthKeywords) {
			return ClassImmutableTruth, "filename keywords: technical document"
		}
		return ClassEphemeralStream, fmt.Sprintf("extension %s: ephemeral content", ext)
	default:
		return ClassEphemeralStream, "unknown type, defaulting to ephemeral"
	}
}

func classifySensitivity(name string) Sensitivity {
	if containsAny(name, highSensitivityKeywords) {
		return SensitivityHigh
	}
	if containsAny(name, moderateSensitivityKeywords) {
		return SensitivityModerate
	}
	return SensitivityLow
}

func detectCategories(name string) []Category {
	categories := make([]Category, 0, 1)
	if strings.Contains(name, "pii") || strings.Contains(name, "ssn") {
		categories = append(categories, CategoryPII)
	}
	if strings.Contains(name, "phi") || strings.Contains(name, "hipaa") {
		categories = append(categories, CategoryPHI)
	}
	if strings.Contains(name, "cui") {
		categories = append(categories, CategoryCUI)
	}
	if strings.Contains(name, "safety") {
		categories = append(categories, CategorySafety)
	}
	if strings.Contains(name, "proprietary") {
		categories = append(categories, CategoryProprietary)
	}
	if len(categories) == 0 {
		categories = append(categories, CategoryInternal)
	}
	return categories
}

func detectFrameworks(name string) []string {
	frameworks := make([]string, 0)
	if strings.Contains(name, "nist") {
		frameworks = append(frameworks, "NIST AI RMF")
	}
	if strings.Contains(name, "fedramp") {
		frameworks = append(frameworks, "FedRAMP")
	}
	if strings.Contains(name, "iso") {
		frameworks = append(frameworks, "ISO 27001")
	}
	if strings.Contains(name, "hipaa") {
		frameworks = append(frameworks, "HIPAA")
	}
	return frameworks
}

func containsAny(name string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(name, keyword) {
			return true
		}
	}
	return false
}
