package emotion

// Category order is fixed; breakdowns are always reported in this order.
var Categories = []string{"happy", "sad", "angry", "neutral"}

// Profile is a read-only catalog entry used to synthesize a result.
type Profile struct {
	Label          string
	Glyph          string
	BaseConfidence float64
	BaseBreakdown  map[string]float64
}

var catalog = []Profile{
	{
		Label:          "happy",
		Glyph:          "😊",
		BaseConfidence: 85,
		BaseBreakdown:  map[string]float64{"happy": 85, "sad": 5, "angry": 3, "neutral": 7},
	},
	{
		Label:          "sad",
		Glyph:          "😢",
		BaseConfidence: 78,
		BaseBreakdown:  map[string]float64{"happy": 8, "sad": 78, "angry": 4, "neutral": 10},
	},
	{
		Label:          "angry",
		Glyph:          "😡",
		BaseConfidence: 92,
		BaseBreakdown:  map[string]float64{"happy": 2, "sad": 3, "angry": 92, "neutral": 3},
	},
	{
		Label:          "neutral",
		Glyph:          "😐",
		BaseConfidence: 73,
		BaseBreakdown:  map[string]float64{"happy": 12, "sad": 8, "angry": 7, "neutral": 73},
	},
}

// Catalog returns a copy of the profile table.
func Catalog() []Profile {
	out := make([]Profile, len(catalog))
	for i, p := range catalog {
		bd := make(map[string]float64, len(p.BaseBreakdown))
		for k, v := range p.BaseBreakdown {
			bd[k] = v
		}
		p.BaseBreakdown = bd
		out[i] = p
	}
	return out
}

// Lookup finds a profile by label.
func Lookup(label string) (Profile, bool) {
	for _, p := range Catalog() {
		if p.Label == label {
			return p, true
		}
	}
	return Profile{}, false
}
