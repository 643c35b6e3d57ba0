package render

import (
	"fmt"
	"strings"

	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

// Counts totals a set of records.
type Counts struct {
	Objects    int
	Interfaces int
	Properties int
	Methods    int
	MaxDepth   int
}

// Count totals records. Depth is the number of path segments.
func Count(records []types.ObjectRecord) Counts {
	var c Counts
	for _, rec := range records {
		c.Objects++
		c.MaxDepth = max(c.MaxDepth, len(splitPath(rec.Path)))
		for _, iface := range rec.Interfaces {
			c.Interfaces++
			c.Methods += len(iface.Methods)
			if iface.Properties != nil {
				c.Properties += iface.Properties.Len()
			}
		}
	}
	return c
}

// SummaryLines describes a capture for the right-hand column of the
// inspect view.
func SummaryLines(h capture.Header, records []types.ObjectRecord) []string {
	c := Count(records)
	return []string{
		"[ Capture ]",
		strings.Repeat("-", 11),
		fmt.Sprintf("Destination:  %s", h.Destination),
		fmt.Sprintf("Bus:          %s", h.Bus),
		fmt.Sprintf("Mock:         %s", h.Mock),
		fmt.Sprintf("Root:         %s", h.Root),
		"",
		"[ Contents ]",
		strings.Repeat("-", 12),
		fmt.Sprintf("Objects:      %d", c.Objects),
		fmt.Sprintf("Interfaces:   %d", c.Interfaces),
		fmt.Sprintf("Properties:   %d", c.Properties),
		fmt.Sprintf("Methods:      %d", c.Methods),
		fmt.Sprintf("Max Depth:    %d levels", c.MaxDepth),
	}
}
