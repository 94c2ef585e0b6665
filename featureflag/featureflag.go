package featureflag

import "strings"

// FeatureFlag is the set of features toggled on a server.
type FeatureFlag map[Flag]struct{}

// New returns the feature flags matching the given names. Names are trimmed
// and upper cased, empty names are ignored.
func New(flags []string) FeatureFlag {
	featureFlag := make(FeatureFlag, len(flags))
	for _, f := range flags {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		featureFlag[Flag(f)] = struct{}{}
	}
	return featureFlag
}

// Has reports whether flag is set.
func (f FeatureFlag) Has(flag Flag) bool {
	_, ok := f[flag]
	return ok
}

// IfSet calls do when flag is set.
func (f FeatureFlag) IfSet(flag Flag, do func()) {
	if f.Has(flag) {
		do()
	}
}

// IfNotSet calls do when flag is not set.
func (f FeatureFlag) IfNotSet(flag Flag, do func()) {
	if !f.Has(flag) {
		do()
	}
}
