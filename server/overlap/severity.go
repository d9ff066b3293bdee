package overlap

import "github.com/san-kum/dental-xray/server/models"

// Classify buckets an overlap percentage into a severity grade.
func Classify(pct float64) models.Severity {
	switch {
	case pct <= 0:
		return models.SeverityNone
	case pct < 10:
		return models.SeverityMild
	case pct < 30:
		return models.SeverityModerate
	case pct < 50:
		return models.SeveritySevere
	default:
		return models.SeverityCritical
	}
}
