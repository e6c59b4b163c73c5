package router

import (
	"fmt"
	"strings"
	"time"
)

// DataClass ranks a document by how long its content stays true.
type DataClass string

const (
	ClassImmutableTruth   DataClass = "immutable_truth"
	ClassEphemeralStream  DataClass = "ephemeral_stream"
	ClassOperationalPulse DataClass = "operational_pulse"
)

var DataClasses = []DataClass{ClassImmutableTruth, ClassEphemeralStream, ClassOperationalPulse}

func ParseDataClass(value string) (DataClass, error) {
	class := DataClass(strings.ToLower(strings.TrimSpace(value)))
	switch class {
	case ClassImmutableTruth, ClassEphemeralStream, ClassOperationalPulse:
		return class, nil
	}
	return "", fmt.Errorf("unknown data class %q", value)
}

// DecayRate is fixed per class.
func (c DataClass) DecayRate() float64 {
	switch c {
	case ClassImmutableTruth:
		return 0.01
	case ClassOperationalPulse:
		return 0.90
	default:
		return 0.50
	}
}

func (c DataClass) confidence() float64 {
	if c == ClassImmutableTruth {
		return 0.85
	}
	return 0.70
}

type Sensitivity string

const (
	SensitivityHigh     Sensitivity = "high"
	SensitivityModerate Sensitivity = "moderate"
	SensitivityLow      Sensitivity = "low"
)

type Category string

const (
	CategoryPII         Category = "pii"
	CategoryPHI         Category = "phi"
	CategoryCUI         Category = "cui"
	CategorySafety      Category = "safety"
	CategoryProprietary Category = "proprietary"
	CategoryInternal    Category = "internal"
)

type ClassificationResult struct {
	DataClass            DataClass   `json:"dataClass"`
	Reason               string      `json:"reason"`
	Sensitivity          Sensitivity `json:"sensitivity"`
	Categories           []Category  `json:"categories"`
	DecayRate            float64     `json:"decayRate"`
	RequiresEncryption   bool        `json:"requiresEncryption"`
	ComplianceFrameworks []string    `json:"complianceFrameworks"`
	Confidence           float64     `json:"confidence"`
}

type ChunkMetadata struct {
	ProvenanceID         string      `json:"provenanceId"`
	DataClass            DataClass   `json:"dataClass"`
	SourceFile           string      `json:"sourceFile"`
	IngestedAt           time.Time   `json:"ingestedAt"`
	DecayRate            float64     `json:"decayRate"`
	Sensitivity          Sensitivity `json:"sensitivity"`
	Categories           []string    `json:"categories"`
	ComplianceFrameworks []string    `json:"complianceFrameworks"`

	ElementType string   `json:"elementType,omitempty"`
	Page        *int     `json:"page,omitempty"`
	RowIndex    *int     `json:"rowIndex,omitempty"`
	Columns     []string `json:"columns,omitempty"`

	TenantID    string   `json:"tenantId"`
	UserID      string   `json:"userId"`
	ProjectID   string   `json:"projectId,omitempty"`
	AccessLevel string   `json:"accessLevel"`
	ACLGroups   []string `json:"aclGroups"`
}

type Chunk struct {
	Text      string        `json:"text"`
	Metadata  ChunkMetadata `json:"metadata"`
	Embedding []float32     `json:"-"`
}
