package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/docrouter/extraction"
	"github.com/fabfab/docrouter/security"
)

var (
	ErrEngineUnavailable = errors.New("extraction engine unavailable")
	ErrExtractionFailed  = errors.New("extraction failed")
)

// Profiles is the extraction dispatch table, one profile per data class.
// Truth may be nil when the layout profile is not deployed.
type Profiles struct {
	Truth  extraction.Extractor
	Stream extraction.Extractor
	Pulse  extraction.Extractor
}

func (p Profiles) forClass(class DataClass) extraction.Extractor {
	switch class {
	case ClassImmutableTruth:
		return p.Truth
	case ClassOperationalPulse:
		return p.Pulse
	default:
		return p.Stream
	}
}

type Options struct {
	TruthEnabled    bool
	FallbackEnabled bool
	Logger          *log.Logger
	Now             func() time.Time
}

type Router struct {
	profiles        Profiles
	truthEnabled    bool
	fallbackEnabled bool
	logger          *log.Logger
	now             func() time.Time
}

func NewRouter(profiles Profiles, opts Options) (*Router, error) {
	if profiles.Stream == nil {
		return nil, fmt.Errorf("ephemeral stream profile is required")
	}
	if profiles.Pulse == nil {
		return nil, fmt.Errorf("operational pulse profile is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Router{
		profiles:        profiles,
		truthEnabled:    opts.TruthEnabled && profiles.Truth != nil,
		fallbackEnabled: opts.FallbackEnabled,
		logger:          opts.Logger,
		now:             opts.Now,
	}, nil
}

type IngestOptions struct {
	// DisplayName is classified instead of the on-disk name when set.
	DisplayName string
	ForceClass  DataClass
	// OwnerID overrides the context's user as the chunk owner.
	OwnerID     string
	AccessLevel security.AccessLevel
}

type Result struct {
	ProvenanceID   string
	Classification ClassificationResult
	Chunks         []Chunk
}

// Ingest classifies the file, extracts it with the profile for its class and
// stamps every chunk with the same provenance and access metadata.
func (r *Router) Ingest(ctx context.Context, sc security.SecurityContext, path string, opts IngestOptions) (Result, error) {
	displayName := opts.DisplayName
	if displayName == "" {
		displayName = filepath.Base(path)
	}

	classification := Classify(displayName)
	if opts.ForceClass != "" {
		class, err := ParseDataClass(string(opts.ForceClass))
		if err != nil {
			return Result{}, err
		}
		classification.DataClass = class
		classification.DecayRate = class.DecayRate()
		classification.Confidence = class.confidence()
		classification.Reason = "forced classification override"
	}

	r.logger.Printf("classified %s as %s (%s, sensitivity %s)", displayName, classification.DataClass, classification.Reason, classification.Sensitivity)

	provenanceID := newProvenanceID(classification.DataClass)
	elements, err := r.extract(ctx, path, classification.DataClass)
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", displayName, err)
	}

	owner := opts.OwnerID
	if owner == "" {
		owner = sc.UserID
	}
	level := opts.AccessLevel
	if level == "" {
		level = security.AccessTeam
	}
	categories := make([]string, len(classification.Categories))
	for i, category := range classification.Categories {
		categories[i] = string(category)
	}
	ingestedAt := r.now().UTC()

	chunks := make([]Chunk, 0, len(elements))
	for _, element := range elements {
		text := strings.TrimSpace(element.Text)
		if text == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Text: text,
			Metadata: ChunkMetadata{
				ProvenanceID:         provenanceID,
				DataClass:            classification.DataClass,
				SourceFile:           displayName,
				IngestedAt:           ingestedAt,
				DecayRate:            classification.DecayRate,
				Sensitivity:          classification.Sensitivity,
				Categories:           categories,
				ComplianceFrameworks: classification.ComplianceFrameworks,
				ElementType:          element.ElementType,
				Page:                 element.Page,
				RowIndex:             element.RowIndex,
				Columns:              element.Columns,
				TenantID:             sc.TenantID,
				UserID:               owner,
				ProjectID:            sc.ProjectID,
				AccessLevel:          string(level),
				ACLGroups:            append([]string(nil), sc.Groups...),
			},
		})
	}

	r.logger.Printf("extracted %s: %d chunks, provenance %s", displayName, len(chunks), provenanceID)

	return Result{
		ProvenanceID:   provenanceID,
		Classification: classification,
		Chunks:         chunks,
	}, nil
}

// IngestBytes ingests an upload by spooling it to a temporary file that keeps
// the original extension.
func (r *Router) IngestBytes(ctx context.Context, sc security.SecurityContext, data []byte, filename string, opts IngestOptions) (Result, error) {
	if opts.DisplayName == "" {
		opts.DisplayName = filepath.Base(filename)
	}

	tmp, err := os.CreateTemp("", "docrouter-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Printf("remove temp file %s: %v", tmp.Name(), rmErr)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close temp file: %w", err)
	}

	return r.Ingest(ctx, sc, tmp.Name(), opts)
}

func (r *Router) extract(ctx context.Context, path string, class DataClass) ([]extraction.Element, error) {
	if class == ClassImmutableTruth && !r.truthEnabled {
		if !r.fallbackEnabled {
			return nil, fmt.Errorf("%w: layout profile is disabled and fallback is off", ErrEngineUnavailable)
		}
		r.logger.Printf("layout profile disabled, falling back to narrative profile")
		class = ClassEphemeralStream
	}

	elements, err := r.profiles.forClass(class).Extract(ctx, path)
	if err == nil {
		return elements, nil
	}

	if class == ClassImmutableTruth && r.fallbackEnabled {
		r.logger.Printf("layout profile failed, falling back: %v", err)
		elements, err = r.profiles.Stream.Extract(ctx, path)
		if err == nil {
			return elements, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
}

func newProvenanceID(class DataClass) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return string(class)[:1] + "-" + suffix
}
