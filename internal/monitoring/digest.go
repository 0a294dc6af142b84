package monitoring

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sells-group/prospect-sync/internal/model"
)

// DefaultTopSlices is how many offending slices a digest names.
const DefaultTopSlices = 5

var severityOrder = []model.Severity{model.SeverityCritical, model.SeverityWarning, model.SeverityInfo}

// ComposeDigest groups alerts by severity. Top slices rank by worst
// severity, then alert count, then name.
func ComposeDigest(alerts []model.Alert, top int) model.Digest {
	d := model.Digest{AlertCount: len(alerts), TopSlices: []string{}}

	bySev := make(map[model.Severity][]model.Alert)
	type offender struct {
		worst int
		count int
	}
	offenders := make(map[string]*offender)
	for _, a := range alerts {
		bySev[a.Severity] = append(bySev[a.Severity], a)
		switch a.Severity {
		case model.SeverityCritical:
			d.CriticalCount++
		case model.SeverityWarning:
			d.WarningCount++
		case model.SeverityInfo:
			d.InfoCount++
		}
		key := a.Slice.String()
		o, ok := offenders[key]
		if !ok {
			o = &offender{}
			offenders[key] = o
		}
		o.count++
		o.worst = max(o.worst, a.Severity.Rank())
	}

	names := slices.Collect(maps.Keys(offenders))
	slices.SortFunc(names, func(a, b string) int {
		oa, ob := offenders[a], offenders[b]
		if c := cmp.Compare(ob.worst, oa.worst); c != 0 {
			return c
		}
		if c := cmp.Compare(ob.count, oa.count); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	if top > 0 && len(names) > top {
		names = names[:top]
	}
	d.TopSlices = append(d.TopSlices, names...)

	if len(alerts) == 0 {
		d.Subject = "Data quality digest: no open alerts"
		d.Body = "No open data quality alerts.\n"
		return d
	}
	d.Subject = fmt.Sprintf("Data quality digest: %d critical, %d warning, %d info",
		d.CriticalCount, d.WarningCount, d.InfoCount)

	var b strings.Builder
	for _, sev := range severityOrder {
		group := bySev[sev]
		if len(group) == 0 {
			continue
		}
		slices.SortFunc(group, func(x, y model.Alert) int {
			return cmp.Or(
				strings.Compare(x.Slice.String(), y.Slice.String()),
				strings.Compare(string(x.Type), string(y.Type)),
			)
		})
		fmt.Fprintf(&b, "%s (%d)\n", sev, len(group))
		for _, a := range group {
			fmt.Fprintf(&b, "  - %s\n", a.Message)
		}
	}
	if len(d.TopSlices) > 0 {
		fmt.Fprintf(&b, "Top slices: %s\n", strings.Join(d.TopSlices, ", "))
	}
	d.Body = b.String()
	return d
}
