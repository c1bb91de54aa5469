package slurm

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTimeToSeconds parses a SLURM time value. Accepted forms are MM:SS,
// HH:MM:SS and D-HH:MM:SS; anything else (including UNLIMITED and INVALID)
// returns ok=false.
func ParseTimeToSeconds(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	days := 0
	if dash := strings.Index(s, "-"); dash >= 0 {
		d, err := strconv.Atoi(s[:dash])
		if err != nil || d < 0 {
			return 0, false
		}
		days = d
		s = s[dash+1:]
	}

	parts := strings.Split(s, ":")
	if days > 0 && len(parts) != 3 {
		return 0, false
	}
	if len(parts) != 2 && len(parts) != 3 {
		return 0, false
	}

	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		nums[i] = n
	}

	var h, m, sec int
	if len(nums) == 3 {
		h, m, sec = nums[0], nums[1], nums[2]
	} else {
		m, sec = nums[0], nums[1]
	}
	return days*86400 + h*3600 + m*60 + sec, true
}

// FormatSeconds renders seconds in SLURM's D-HH:MM:SS form (no day part
// when under 24h).
func FormatSeconds(total int) string {
	if total < 0 {
		total = 0
	}
	days := total / 86400
	rem := total % 86400
	h, m, s := rem/3600, (rem%3600)/60, rem%60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
