package matcher

// Policy bundles the four search tuning knobs so they cannot be set
// into an inconsistent combination: distance threshold, result cap,
// query-face cap, and detection strictness move together.
type Policy struct {
	Threshold        float64
	MaxResults       int
	MaxQueryFaces    int
	EnforceDetection bool
}

// DefaultPolicy favors precision: one query face, tight threshold.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:        0.45,
		MaxResults:       50,
		MaxQueryFaces:    1,
		EnforceDetection: true,
	}
}

// HighRecallPolicy loosens every knob at once: more query faces, a
// looser threshold, a higher result cap, permissive detection.
func HighRecallPolicy() Policy {
	return Policy{
		Threshold:        0.55,
		MaxResults:       100,
		MaxQueryFaces:    3,
		EnforceDetection: false,
	}
}

// PolicyFor selects the bundle from the single config switch.
func PolicyFor(highRecall bool) Policy {
	if highRecall {
		return HighRecallPolicy()
	}
	return DefaultPolicy()
}
