package render

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/san-kum/dental-xray/server/models"
)

// WriteReport writes the human-readable analysis report. Teeth are listed by
// descending overlap.
func WriteReport(w io.Writer, result *models.AnalysisResult) error {
	bw := bufio.NewWriter(w)
	line := func(format string, args ...any) {
		fmt.Fprintf(bw, format+"\n", args...)
	}

	line("DENTAL X-RAY ANALYSIS REPORT")
	line(strings.Repeat("=", 50))
	line("Task: %s", result.TaskID)
	line("Image: %s", result.SourceImageRef)
	line("Analyzed: %s", result.AnalysisTime.Format("2006-01-02 15:04:05 MST"))
	line("")

	if t := result.TeethAnalysis; t != nil {
		line("TEETH")
		line(strings.Repeat("-", 20))
		if t.Error != "" {
			line("Error: %s", t.Error)
		}
		line("Detected teeth: %d", t.MaskCount)
		line("")
	}

	if c := result.CystAnalysis; c != nil {
		line("CYSTS")
		line(strings.Repeat("-", 20))
		if c.Error != "" {
			line("Error: %s", c.Error)
		}
		line("Detected cysts: %d", c.MaskCount)
		line("Total area: %d px (%.2f mm²)", c.TotalPixelArea, c.TotalAreaMM2)
		for _, cy := range c.Cysts {
			line("  Cyst %d: %d px, %.2f mm², diameter %.2f mm", cy.ID, cy.PixelArea, cy.AreaMM2, cy.EquivalentDiameterMM)
		}
		line("")
	}

	if o := result.RootOverlapAnalysis; o != nil {
		writeOverlap(line, o)
	}

	if r := result.Replacement; r != nil {
		line("REPLACEMENT")
		line(strings.Repeat("-", 20))
		line("Method: %s", r.Method)
		if r.Error != "" {
			line("Error: %s", r.Error)
		}
		line("")
	}

	return bw.Flush()
}

func writeOverlap(line func(string, ...any), o *models.RootOverlapAnalysis) {
	line("ROOT OVERLAP")
	line(strings.Repeat("-", 20))
	if o.Error != "" {
		line("Error: %s", o.Error)
		line("")
		return
	}
	line("Total teeth: %d", o.TotalTeeth)
	line("Affected teeth: %d", o.AffectedTeeth)
	line("Average overlap: %.2f%%", o.AverageOverlapPercentage)
	line("Total overlap area: %d px", o.TotalOverlapPixels)
	line("")

	records := append([]models.OverlapRecord(nil), o.Records...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].OverlapPercentage > records[j].OverlapPercentage
	})
	for _, r := range records {
		status := "not affected"
		if r.Affected {
			status = "affected"
		}
		line("Tooth FDI %d:", r.FDINumber)
		line("  Overlap: %.2f%%", r.OverlapPercentage)
		line("  Apical overlap: %.2f%%", r.ApicalOverlapPercentage)
		line("  Tooth area: %d px", r.ToothPixelArea)
		line("  Overlap area: %d px", r.OverlapPixelCount)
		line("  Severity: %s", r.Severity)
		line("  Status: %s", status)
		if r.Flagged {
			line("  Warning: empty tooth mask")
		}
	}
	line("")

	line("SEVERITY SCALE")
	line("0%%      none")
	line("<10%%    mild")
	line("10-29%%  moderate")
	line("30-49%%  severe")
	line("50%%+    critical")
	line("")

	var urgent []string
	for _, r := range records {
		if r.Severity == models.SeveritySevere || r.Severity == models.SeverityCritical {
			urgent = append(urgent, fmt.Sprintf("FDI %d (%.2f%%)", r.FDINumber, r.OverlapPercentage))
		}
	}
	if len(urgent) > 0 {
		line("Severe involvement: %s", strings.Join(urgent, ", "))
	}
	if o.AffectedTeeth == 0 {
		line("No root involvement detected.")
	} else {
		line("%d of %d teeth show root involvement.", o.AffectedTeeth, o.TotalTeeth)
	}
	line("")
}
