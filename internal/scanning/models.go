package scanning

import (
	"slices"
	"strings"
)

// ModelPreference is the priority list used to pick a model from a capability listing.
// Candidates must belong to Family (by name or display name) and support Method;
// among those, a name containing Preferred wins, then one containing Latest, then the first.
type ModelPreference struct {
	Family    string
	Method    string
	Preferred string
	Latest    string
}

// DefaultModelPreference matches the flash family
var DefaultModelPreference = ModelPreference{
	Family:    "flash",
	Method:    "generateContent",
	Preferred: "1.5-flash-002",
	Latest:    "1.5-flash-latest",
}

// PreferredModel picks a model name from models. ok is false when nothing matched,
// in which case callers keep their default model.
func PreferredModel(models []ModelInfo, pref ModelPreference) (name string, ok bool) {
	var candidates []ModelInfo
	for _, m := range models {
		inFamily := strings.Contains(m.Name, pref.Family) ||
			strings.Contains(strings.ToLower(m.DisplayName), pref.Family)
		if inFamily && slices.Contains(m.SupportedGenerationMethods, pref.Method) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	for _, tag := range []string{pref.Preferred, pref.Latest} {
		if tag == "" {
			continue
		}
		for _, m := range candidates {
			if strings.Contains(m.Name, tag) {
				return m.Name, true
			}
		}
	}
	return candidates[0].Name, true
}
