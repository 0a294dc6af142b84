package transform

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Rule ids attached to parsed measurement values.
const (
	RuleHeightFeetInches = "height.ftin.v1"
	RuleHeightScout      = "height.scout.v1"
	RuleHeightInches     = "height.inches.v1"
	RuleWeightLbs        = "weight.lbs.v1"
	RuleWeightKg         = "weight.kg.v1"
	RuleLengthInches     = "length.inches.v1"
	RuleLengthFeetInches = "length.ftin.v1"
	RuleNumber           = "number.v1"
	RuleText             = "text.v1"
)

const lbsPerKg = 2.20462262

var (
	dashHeightRe  = regexp.MustCompile(`^(\d)\s*-\s*(\d{1,2}(?:\.\d+)?)$`)
	feetInchRe    = regexp.MustCompile(`^(\d{1,2})\s*(?:'|’|ft\.?|feet)\s*(?:(\d{1,2}(?:\.\d+)?(?:\s+\d+/\d+)?)\s*(?:"|”|''|in\.?|inches)?)?$`)
	scoutHeightRe = regexp.MustCompile(`^(\d)(\d{2})(\d)$`)
	fractionRe    = regexp.MustCompile(`^(\d+(?:\.\d+)?)?(?:\s*[\s-]\s*|^)(\d+)/(\d+)$`)
	weightUnitRe  = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(lbs?|pounds?|#|kgs?|kilograms?)?\.?$`)
	inchSuffixRe  = regexp.MustCompile(`\s*(?:"|”|''|in\.?|inches)$`)
)

// ParseNumber parses a plain number, tolerating thousands separators and
// surrounding whitespace.
func ParseNumber(s string) (float64, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if clean == "" {
		return 0, eris.New("transform: empty number")
	}
	n, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, eris.Errorf("transform: %q is not a number", s)
	}
	return n, nil
}

// ParseInches parses a length in inches. Mixed fractions ("32 1/4",
// "9-5/8") and an inch suffix are accepted.
func ParseInches(s string) (float64, error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	raw = inchSuffixRe.ReplaceAllString(raw, "")
	if raw == "" {
		return 0, eris.Errorf("transform: %q is not a length", s)
	}
	if m := fractionRe.FindStringSubmatch(raw); m != nil {
		whole := 0.0
		if m[1] != "" {
			whole, _ = strconv.ParseFloat(m[1], 64)
		}
		num, _ := strconv.ParseFloat(m[2], 64)
		den, _ := strconv.ParseFloat(m[3], 64)
		if den == 0 || num >= den {
			return 0, eris.Errorf("transform: bad fraction in %q", s)
		}
		return whole + num/den, nil
	}
	n, err := ParseNumber(raw)
	if err != nil {
		return 0, eris.Errorf("transform: %q is not a length", s)
	}
	return n, nil
}

// ParseLength parses a length given either in inches or in feet and inches
// (`9'10"`), returning inches and the rule that matched.
func ParseLength(s string) (float64, string, error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	if m := feetInchRe.FindStringSubmatch(raw); m != nil {
		in, err := feetAndInches(m[1], m[2])
		if err != nil {
			return 0, "", eris.Wrapf(err, "transform: parse length %q", s)
		}
		return in, RuleLengthFeetInches, nil
	}
	in, err := ParseInches(raw)
	if err != nil {
		return 0, "", err
	}
	return in, RuleLengthInches, nil
}

// ParseHeight parses a height into inches. Accepted notations: "6-2",
// `6'2"`, `6' 2.5"`, scout notation "6022" (feet, two-digit inches,
// eighths) and plain inches.
func ParseHeight(s string) (float64, string, error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	if raw == "" {
		return 0, "", eris.New("transform: empty height")
	}

	if m := dashHeightRe.FindStringSubmatch(raw); m != nil {
		in, err := feetAndInches(m[1], m[2])
		if err != nil {
			return 0, "", eris.Wrapf(err, "transform: parse height %q", s)
		}
		return in, RuleHeightFeetInches, nil
	}
	if m := feetInchRe.FindStringSubmatch(raw); m != nil {
		in, err := feetAndInches(m[1], m[2])
		if err != nil {
			return 0, "", eris.Wrapf(err, "transform: parse height %q", s)
		}
		return in, RuleHeightFeetInches, nil
	}
	if m := scoutHeightRe.FindStringSubmatch(raw); m != nil {
		feet, _ := strconv.Atoi(m[1])
		inches, _ := strconv.Atoi(m[2])
		eighths, _ := strconv.Atoi(m[3])
		if inches >= 12 || eighths >= 8 {
			return 0, "", eris.Errorf("transform: bad scout height %q", s)
		}
		return float64(feet*12+inches) + float64(eighths)/8, RuleHeightScout, nil
	}

	in, err := ParseInches(raw)
	if err != nil {
		return 0, "", eris.Errorf("transform: %q is not a height", s)
	}
	return in, RuleHeightInches, nil
}

func feetAndInches(feetStr, inchStr string) (float64, error) {
	feet, err := strconv.Atoi(feetStr)
	if err != nil {
		return 0, err
	}
	inches := 0.0
	if inchStr != "" {
		inches, err = ParseInches(inchStr)
		if err != nil {
			return 0, err
		}
	}
	if inches >= 12 {
		return 0, eris.Errorf("inches %v out of range", inches)
	}
	return float64(feet)*12 + inches, nil
}

// ParseWeight parses a weight into pounds. Kilograms are converted. A paired
// value such as "215 lbs / 97.5 kg" uses the pound reading.
func ParseWeight(s string) (float64, string, error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	if raw == "" {
		return 0, "", eris.New("transform: empty weight")
	}

	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '(' || r == ')' })
	var kg *float64
	for _, part := range parts {
		m := weightUnitRe.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return 0, "", eris.Errorf("transform: %q is not a weight", s)
		}
		n, _ := strconv.ParseFloat(m[1], 64)
		if strings.HasPrefix(m[2], "k") {
			if kg == nil {
				kg = &n
			}
			continue
		}
		return n, RuleWeightLbs, nil
	}
	if kg == nil {
		return 0, "", eris.Errorf("transform: %q is not a weight", s)
	}
	return math.Round(*kg*lbsPerKg*10) / 10, RuleWeightKg, nil
}
