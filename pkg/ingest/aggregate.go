package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ladybirdbrowser/wptsync/pkg/wpt"
)

// passStatus marks a fully passing test file.
const passStatus = "P"

// CategoryTotal is the rolled up subtest count of one category.
type CategoryTotal struct {
	Category string
	Total    int64
	Passes   int64
}

// Category returns the second segment of a test path, e.g. "css" for
// "/css/foo.html".
func Category(testPath string) (string, error) {
	parts := strings.Split(testPath, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("test path %q has no category segment", testPath)
	}

	return parts[1], nil
}

// Contribution returns what one legacy status adds to its category. A test
// without subtests still counts as one; its pass is only counted when the
// test as a whole passed.
func Contribution(status wpt.LegacyStatus) (total, passes int64) {
	total = int64(max(1, status.Total))
	passes = int64(status.Passes)

	if status.Status == passStatus {
		passes = int64(max(1, status.Passes))
	}

	return total, passes
}

// Aggregate sums subtest results per category. The returned slice is
// sorted by category name.
func Aggregate(results []wpt.SubtestResult) ([]CategoryTotal, error) {
	byCategory := make(map[string]*CategoryTotal, 64)

	for _, r := range results {
		category, err := Category(r.Test)
		if err != nil {
			return nil, err
		}

		if len(r.LegacyStatus) == 0 {
			return nil, fmt.Errorf("test %q has no legacy status", r.Test)
		}

		total, passes := Contribution(r.LegacyStatus[0])

		ct, ok := byCategory[category]
		if !ok {
			ct = &CategoryTotal{Category: category}
			byCategory[category] = ct
		}

		ct.Total += total
		ct.Passes += passes
	}

	totals := make([]CategoryTotal, 0, len(byCategory))
	for _, ct := range byCategory {
		totals = append(totals, *ct)
	}

	sort.Slice(totals, func(i, j int) bool {
		return totals[i].Category < totals[j].Category
	})

	return totals, nil
}
