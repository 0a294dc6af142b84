package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
)

// str returns the payload value at the first present key as trimmed text.
func str(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// identity extracts the required identity attributes. A missing attribute
// is reported as the quarantine reason.
func identity(payload map[string]any) (model.Identity, string) {
	id := model.Identity{
		FirstName: str(payload, "first_name", "firstname", "first"),
		LastName:  str(payload, "last_name", "lastname", "last"),
		Position:  str(payload, "position", "pos"),
		College:   str(payload, "college", "school", "university"),
	}
	if id.FirstName == "" || id.LastName == "" {
		id.FirstName, id.LastName = splitName(str(payload, "name", "player", "player_name", "full_name"))
	}

	switch {
	case id.FirstName == "" || id.LastName == "":
		return id, "missing prospect name"
	case id.Position == "":
		return id, "missing position"
	case id.College == "":
		return id, "missing college"
	}
	return id, ""
}

// splitName splits a full name into first and last. "Last, First" is
// understood; otherwise the first token is the first name.
func splitName(full string) (first, last string) {
	full = strings.Join(strings.Fields(full), " ")
	if full == "" {
		return "", ""
	}
	if l, f, ok := strings.Cut(full, ","); ok {
		return strings.TrimSpace(f), strings.TrimSpace(l)
	}
	f, l, ok := strings.Cut(full, " ")
	if !ok {
		return "", full
	}
	return f, l
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
}

// observedAt reads the payload's as-of timestamp, falling back to the
// record's receipt time.
func observedAt(payload map[string]any, fallback time.Time) time.Time {
	s := str(payload, "observed_at", "as_of", "updated_at", "report_date", "date")
	if s == "" {
		return fallback.UTC()
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}

// parser turns one raw field into a canonical value and the rule it used.
type parser func(raw string) (model.Value, string, error)

func numberParser(raw string) (model.Value, string, error) {
	n, err := ParseNumber(raw)
	if err != nil {
		return model.Value{}, "", err
	}
	return model.NumberValue(n), RuleNumber, nil
}

func heightParser(raw string) (model.Value, string, error) {
	n, rule, err := ParseHeight(raw)
	return model.NumberValue(n), rule, err
}

func weightParser(raw string) (model.Value, string, error) {
	n, rule, err := ParseWeight(raw)
	return model.NumberValue(n), rule, err
}

func lengthParser(raw string) (model.Value, string, error) {
	n, rule, err := ParseLength(raw)
	return model.NumberValue(n), rule, err
}

func textParser(raw string) (model.Value, string, error) {
	return model.TextValue(raw), RuleText, nil
}

// lowerText normalizes categorical values.
func lowerText(raw string) (model.Value, string, error) {
	return model.TextValue(strings.ToLower(raw)), RuleText, nil
}

// fieldDef maps payload aliases onto one canonical field.
type fieldDef struct {
	Field   string
	Aliases []string
	Parse   parser
}

var measurementFields = []fieldDef{
	{Field: "height_in", Aliases: []string{"height_in", "height", "ht"}, Parse: heightParser},
	{Field: "weight_lbs", Aliases: []string{"weight_lbs", "weight", "wt"}, Parse: weightParser},
	{Field: "arm_length_in", Aliases: []string{"arm_length_in", "arm_length", "arms"}, Parse: lengthParser},
	{Field: "hand_size_in", Aliases: []string{"hand_size_in", "hand_size", "hands"}, Parse: lengthParser},
	{Field: "forty_yd", Aliases: []string{"forty_yd", "forty", "40_yd", "40yd"}, Parse: numberParser},
	{Field: "vertical_in", Aliases: []string{"vertical_in", "vertical"}, Parse: lengthParser},
	{Field: "broad_jump_in", Aliases: []string{"broad_jump_in", "broad_jump", "broad"}, Parse: lengthParser},
	{Field: "bench_reps", Aliases: []string{"bench_reps", "bench", "bench_press"}, Parse: numberParser},
	{Field: "three_cone", Aliases: []string{"three_cone", "3_cone", "3cone"}, Parse: numberParser},
	{Field: "shuttle", Aliases: []string{"shuttle", "short_shuttle", "20_yd_shuttle"}, Parse: numberParser},
}

var productionFields = []fieldDef{
	{Field: "games_played", Aliases: []string{"games_played", "games", "gp", "g"}, Parse: numberParser},
	{Field: "pass_yds", Aliases: []string{"pass_yds", "passing_yards", "pass_yards"}, Parse: numberParser},
	{Field: "pass_td", Aliases: []string{"pass_td", "passing_tds", "pass_tds"}, Parse: numberParser},
	{Field: "rush_yds", Aliases: []string{"rush_yds", "rushing_yards", "rush_yards"}, Parse: numberParser},
	{Field: "rush_td", Aliases: []string{"rush_td", "rushing_tds", "rush_tds"}, Parse: numberParser},
	{Field: "rec_yds", Aliases: []string{"rec_yds", "receiving_yards", "rec_yards"}, Parse: numberParser},
	{Field: "rec_td", Aliases: []string{"rec_td", "receiving_tds", "rec_tds"}, Parse: numberParser},
	{Field: "tackles", Aliases: []string{"tackles", "tkl"}, Parse: numberParser},
	{Field: "sacks", Aliases: []string{"sacks", "sk"}, Parse: numberParser},
}

var injuryFields = []fieldDef{
	{Field: "injury_status", Aliases: []string{"injury_status", "status", "designation"}, Parse: lowerText},
	{Field: "injury_note", Aliases: []string{"injury_note", "injury", "note", "notes"}, Parse: textParser},
}

// extract parses every defined field present in the payload. The first
// unparseable value aborts with a ValidationError naming the field.
func extract(payload map[string]any, defs []fieldDef, conf float64, at time.Time, out map[string]model.FieldFragment) error {
	for _, d := range defs {
		raw := str(payload, d.Aliases...)
		if raw == "" {
			continue
		}
		v, rule, err := d.Parse(raw)
		if err != nil {
			return resilience.NewValidationError(d.Field, "%s", err.Error())
		}
		out[d.Field] = model.FieldFragment{Value: v, Confidence: conf, RuleID: rule, ObservedAt: at}
	}
	return nil
}
