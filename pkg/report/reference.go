package report

import (
	"fmt"
	"regexp"
	"strconv"
)

const referencePrefix = "LP"

var referenceRegex = regexp.MustCompile(`^LP-(\d{4})-(\d{6})$`)

// FormatReference renders a reference number, e.g. LP-2024-000042.
func FormatReference(year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%06d", referencePrefix, year, seq)
}

// ParseReference splits a reference number into year and sequence.
func ParseReference(ref string) (int, int64, error) {
	m := referenceRegex.FindStringSubmatch(ref)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid reference number %q", ref)
	}
	year, _ := strconv.Atoi(m[1])
	seq, _ := strconv.ParseInt(m[2], 10, 64)
	return year, seq, nil
}
