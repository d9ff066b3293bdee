package models

import (
	"strings"
	"time"

	"github.com/san-kum/dental-xray/server/masks"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusError     TaskStatus = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

type Stage string

const (
	StageTeeth       Stage = "teeth"
	StageCysts       Stage = "cysts"
	StageOverlap     Stage = "overlap"
	StageReplacement Stage = "replacement"
)

type ReplacementMethod string

const (
	MethodInterpolation ReplacementMethod = "interpolation"
	MethodBlur          ReplacementMethod = "blur"
	MethodColor         ReplacementMethod = "color"
)

// ParseReplacementMethod accepts the three method names; "color_fill" is kept
// as an alias for clients of the older API.
func ParseReplacementMethod(s string) (ReplacementMethod, error) {
	switch ReplacementMethod(strings.ToLower(strings.TrimSpace(s))) {
	case MethodInterpolation:
		return MethodInterpolation, nil
	case MethodBlur:
		return MethodBlur, nil
	case MethodColor, "color_fill":
		return MethodColor, nil
	default:
		return "", InvalidRequest("unknown replacement method %q", s)
	}
}

type AnalysisOptions struct {
	AnalyzeTeeth      bool              `json:"analyze_teeth"`
	AnalyzeCysts      bool              `json:"analyze_cysts"`
	ReplaceCystVolume bool              `json:"replace_cyst_volume"`
	ReplacementMethod ReplacementMethod `json:"replacement_method"`
}

func (o AnalysisOptions) Validate() error {
	if !o.AnalyzeTeeth && !o.AnalyzeCysts {
		return InvalidRequest("at least one of analyze_teeth or analyze_cysts must be set")
	}
	if o.ReplaceCystVolume {
		if _, err := ParseReplacementMethod(string(o.ReplacementMethod)); err != nil {
			return err
		}
	}
	return nil
}

// Stages lists the stages a request asks for, in execution order.
func (o AnalysisOptions) Stages() []Stage {
	var stages []Stage
	if o.AnalyzeTeeth {
		stages = append(stages, StageTeeth)
	}
	if o.AnalyzeCysts {
		stages = append(stages, StageCysts)
	}
	if o.AnalyzeTeeth && o.AnalyzeCysts {
		stages = append(stages, StageOverlap)
	}
	if o.AnalyzeCysts && o.ReplaceCystVolume {
		stages = append(stages, StageReplacement)
	}
	return stages
}

// AnalysisTask is owned by the task registry. Only the orchestrator that
// created it mutates it, and never after it reaches a terminal status.
type AnalysisTask struct {
	TaskID          string          `json:"task_id"`
	SourceImageRef  string          `json:"source_image_ref"`
	Options         AnalysisOptions `json:"options"`
	RequestedStages []Stage         `json:"requested_stages"`
	Status          TaskStatus      `json:"status"`
	StageMessage    string          `json:"message"`
	Result          *AnalysisResult `json:"result,omitempty"`
	ErrorDetail     string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

type StatusResponse struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
	Error   string     `json:"error,omitempty"`
}

type AnalysisResult struct {
	TaskID              string               `json:"task_id"`
	SourceImageRef      string               `json:"image_path"`
	AnalysisTime        time.Time            `json:"analysis_time"`
	TeethAnalysis       *TeethAnalysis       `json:"teeth_analysis,omitempty"`
	CystAnalysis        *CystAnalysis        `json:"cyst_analysis,omitempty"`
	RootOverlapAnalysis *RootOverlapAnalysis `json:"root_overlap_analysis,omitempty"`
	Replacement         *ReplacementResult   `json:"replacement,omitempty"`
	VisualizationRefs   []string             `json:"visualizations"`
}

type TeethAnalysis struct {
	MaskCount     int             `json:"masks_count"`
	Teeth         []DetectedTooth `json:"teeth"`
	Masks         *masks.MaskSet  `json:"-"`
	AnnotationRef string          `json:"annotation_ref,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type DetectedTooth struct {
	ClassID   int         `json:"class_id"`
	FDINumber int         `json:"fdi_number"`
	PixelArea int         `json:"pixel_area"`
	BBox      masks.BBox  `json:"bounding_box"`
	Centroid  masks.Point `json:"centroid"`
}

type CystAnalysis struct {
	MaskCount      int            `json:"total_cysts"`
	TotalPixelArea int            `json:"total_area_pixels"`
	TotalAreaMM2   float64        `json:"total_area_mm2"`
	Cysts          []CystInfo     `json:"cysts"`
	Masks          *masks.MaskSet `json:"-"`
	AnnotationRef  string         `json:"annotation_ref,omitempty"`
	Error          string         `json:"error,omitempty"`
}

type CystInfo struct {
	ID                       int         `json:"id"`
	ClassID                  int         `json:"class_id"`
	PixelArea                int         `json:"area_pixels"`
	AreaMM2                  float64     `json:"area_mm2"`
	PerimeterPixels          float64     `json:"perimeter_pixels"`
	PerimeterMM              float64     `json:"perimeter_mm"`
	Centroid                 masks.Point `json:"center"`
	EquivalentDiameterPixels float64     `json:"equivalent_diameter_pixels"`
	EquivalentDiameterMM     float64     `json:"equivalent_diameter_mm"`
}

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

type OverlapRecord struct {
	ToothClassID            int      `json:"tooth_class_id"`
	FDINumber               int      `json:"fdi_number"`
	ToothPixelArea          int      `json:"total_area_pixels"`
	OverlapPixelCount       int      `json:"overlap_area_pixels"`
	OverlapPercentage       float64  `json:"overlap_percentage"`
	ApicalOverlapPercentage float64  `json:"root_overlap_percentage"`
	Severity                Severity `json:"severity"`
	Affected                bool     `json:"is_affected"`
	// Flagged marks a root mask with zero pixel area.
	Flagged bool `json:"flagged,omitempty"`
}

type RootOverlapAnalysis struct {
	Records                  []OverlapRecord `json:"teeth_analysis"`
	TotalTeeth               int             `json:"total_teeth"`
	AffectedTeeth            int             `json:"affected_teeth"`
	AverageOverlapPercentage float64         `json:"average_overlap_percentage"`
	TotalOverlapPixels       int             `json:"total_overlap_area"`
	ThresholdPercentage      float64         `json:"threshold_percentage"`
	FlaggedRecords           []int           `json:"flagged,omitempty"`
	Error                    string          `json:"error,omitempty"`
}

type ReplacementResult struct {
	Method   ReplacementMethod `json:"method"`
	ImageRef string            `json:"image_ref,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Snapshot returns a copy that is safe to hand out while the original keeps
// advancing. Result is never mutated after it is attached, so it is shared.
func (t *AnalysisTask) Snapshot() *AnalysisTask {
	cp := *t
	cp.RequestedStages = append([]Stage(nil), t.RequestedStages...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
