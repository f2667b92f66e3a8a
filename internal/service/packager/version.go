package packager

import "time"

// versionLayout renders the date-derived version as YY.MM.DD.
const versionLayout = "06.01.02"

// ResolveVersion returns override when it is non-empty and the date of now otherwise.
func ResolveVersion(override string, now time.Time) string {
	if override != "" {
		return override
	}

	return now.Format(versionLayout)
}
