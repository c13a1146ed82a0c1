package sbchunk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EncodeRange renders a set of chunk numbers as a comma-separated list of
// numbers and dash-ranges, e.g. {1,2,3,5,7,8} -> "1-3,5,7-8", the format
// used in "ad:"/"sd:" update-request directives per spec.md §4.3.
func EncodeRange(nums []uint32) string {
	if len(nums) == 0 {
		return ""
	}

	sorted := append([]uint32(nil), nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var parts []string
	start := sorted[0]
	prev := sorted[0]

	flush := func(end uint32) {
		if start == end {
			parts = append(parts, strconv.FormatUint(uint64(start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}

	for _, n := range sorted[1:] {
		if n == prev {
			continue
		}

		if n == prev+1 {
			prev = n

			continue
		}

		flush(prev)
		start, prev = n, n
	}

	flush(prev)

	return strings.Join(parts, ",")
}

// ParseRange parses a comma-separated list of numbers and dash-ranges back
// into the set of chunk numbers it denotes.
func ParseRange(s string) (nums []uint32, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		dash := strings.IndexByte(part, '-')
		if dash <= 0 {
			n, pErr := strconv.ParseUint(part, 10, 32)
			if pErr != nil {
				return nil, fmt.Errorf("parsing range entry %q: %w", part, pErr)
			}

			nums = append(nums, uint32(n))

			continue
		}

		lo, pErr := strconv.ParseUint(part[:dash], 10, 32)
		if pErr != nil {
			return nil, fmt.Errorf("parsing range start %q: %w", part, pErr)
		}

		hi, pErr := strconv.ParseUint(part[dash+1:], 10, 32)
		if pErr != nil {
			return nil, fmt.Errorf("parsing range end %q: %w", part, pErr)
		}

		if hi < lo {
			return nil, fmt.Errorf("range %q has end before start", part)
		}

		for n := lo; n <= hi; n++ {
			nums = append(nums, uint32(n))
		}
	}

	return nums, nil
}
