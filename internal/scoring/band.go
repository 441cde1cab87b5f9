package scoring

// Band names the qualitative range an overall score falls into
type Band string

const (
	BandNeedsWork Band = "Needs Work"
	BandFair      Band = "Fair"
	BandGood      Band = "Good"
	BandVeryGood  Band = "Very Good"
	BandExcellent Band = "Excellent"
)

// BandFor classifies an overall score
func BandFor(overall float64) Band {
	switch {
	case overall >= 0.9:
		return BandExcellent
	case overall >= 0.8:
		return BandVeryGood
	case overall >= 0.65:
		return BandGood
	case overall >= 0.5:
		return BandFair
	default:
		return BandNeedsWork
	}
}
