package rules

import "github.com/sells-group/prospect-sync/internal/model"

func bound(v float64) *float64 { return &v }

func numeric(cat Category, tol, lo, hi float64, sec SecondaryRule) FieldSpec {
	return FieldSpec{Category: cat, Kind: KindNumeric, Tolerance: tol, Min: bound(lo), Max: bound(hi), Secondary: sec}
}

// Default returns the built-in catalog. A rules file overrides it per key.
func Default() *Catalog {
	return &Catalog{
		Fields: map[string]FieldSpec{
			"grade": numeric(CategoryGrades, 0.2, 5, 10, SecondaryManualReview),

			"height_in":      numeric(CategoryMeasurements, 0.25, 60, 84, SecondaryMostRecent),
			"weight_lbs":     numeric(CategoryMeasurements, 5, 150, 400, SecondaryMostRecent),
			"arm_length_in":  numeric(CategoryMeasurements, 0.25, 27, 38, SecondaryMostRecent),
			"hand_size_in":   numeric(CategoryMeasurements, 0.125, 7, 12, SecondaryMostRecent),
			"forty_yd":       numeric(CategoryMeasurements, 0.02, 4.2, 6, SecondaryMostRecent),
			"vertical_in":    numeric(CategoryMeasurements, 0.5, 15, 48, SecondaryMostRecent),
			"broad_jump_in":  numeric(CategoryMeasurements, 2, 80, 150, SecondaryMostRecent),
			"bench_reps":     numeric(CategoryMeasurements, 1, 0, 50, SecondaryMostRecent),
			"three_cone":     numeric(CategoryMeasurements, 0.02, 6.2, 9, SecondaryMostRecent),
			"shuttle":        numeric(CategoryMeasurements, 0.02, 3.7, 6, SecondaryMostRecent),
			"games_played":   numeric(CategoryProduction, 0, 0, 80, SecondaryMostRecent),
			"pass_yds":       numeric(CategoryProduction, 0, 0, 25000, SecondaryMostRecent),
			"pass_td":        numeric(CategoryProduction, 0, 0, 200, SecondaryMostRecent),
			"rush_yds":       numeric(CategoryProduction, 0, -500, 10000, SecondaryMostRecent),
			"rush_td":        numeric(CategoryProduction, 0, 0, 120, SecondaryMostRecent),
			"rec_yds":        numeric(CategoryProduction, 0, -200, 8000, SecondaryMostRecent),
			"rec_td":         numeric(CategoryProduction, 0, 0, 80, SecondaryMostRecent),
			"tackles":        numeric(CategoryProduction, 0, 0, 700, SecondaryMostRecent),
			"sacks":          numeric(CategoryProduction, 0, 0, 80, SecondaryMostRecent),
			"injury_status": {
				Category:  CategoryInjury,
				Kind:      KindText,
				Allowed:   []string{"healthy", "probable", "questionable", "doubtful", "out"},
				Exclusive: true,
			},
			"injury_note": {Category: CategoryInjury, Kind: KindText, Exclusive: true},
		},
		Authorities: map[Category]model.Source{
			CategoryGrades:       model.SourceGrading,
			CategoryMeasurements: model.SourceCombine,
			CategoryProduction:   model.SourceStats,
			CategoryInjury:       model.SourceInjury,
		},
		Thresholds: map[model.AlertType]Threshold{
			model.AlertCoverage:     {Direction: LowIsBad, Warning: 80, Critical: 60},
			model.AlertValidation:   {Direction: LowIsBad, Warning: 95, Critical: 85},
			model.AlertOutlier:      {Direction: HighIsBad, Warning: 5, Critical: 10},
			model.AlertQualityScore: {Direction: LowIsBad, Warning: 85, Critical: 70},
		},
		// Injury reports exist only for injured prospects, so low coverage
		// is expected.
		Overrides: map[model.Source]map[model.AlertType]Threshold{
			model.SourceInjury: {
				model.AlertCoverage:     {Direction: LowIsBad, Warning: 0, Critical: 0},
				model.AlertQualityScore: {Direction: LowIsBad, Warning: 50, Critical: 40},
			},
		},
	}
}
