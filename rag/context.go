package rag

import (
	"fmt"
	"strings"
)

// FormatContext renders the evidence block handed to the model. Each chunk
// is tagged with its 1-based marker so the answer can cite it as [n]:
//
//	[1] (doc: report-2023, section: block_9/table_2)
//	Q3 revenue was $125.3 million.
func FormatContext(set EvidenceSet) string {
	var sb strings.Builder
	for i, c := range set.Chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] (doc: %s", i+1, c.DocumentID)
		if len(c.SectionPath) > 0 {
			fmt.Fprintf(&sb, ", section: %s", c.SectionPath.String())
		}
		sb.WriteString(")\n")
		sb.WriteString(strings.TrimSpace(c.Text))
	}
	return sb.String()
}
