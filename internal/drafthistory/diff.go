package drafthistory

import "sort"

type PageChange struct {
	PageNumber int    `json:"pageNumber"`
	Before     string `json:"before"`
	After      string `json:"after"`
}

// DiffPages lists pages whose text differs between two snapshots, including
// pages present on only one side.
func DiffPages(from, to Snapshot) []PageChange {
	before := make(map[int]string, len(from.Pages))
	for _, page := range from.Pages {
		before[page.PageNumber] = page.Text
	}
	after := make(map[int]string, len(to.Pages))
	for _, page := range to.Pages {
		after[page.PageNumber] = page.Text
	}

	numbers := make(map[int]struct{}, len(before)+len(after))
	for n := range before {
		numbers[n] = struct{}{}
	}
	for n := range after {
		numbers[n] = struct{}{}
	}

	changes := make([]PageChange, 0)
	for n := range numbers {
		b, a := before[n], after[n]
		if b == a {
			continue
		}
		changes = append(changes, PageChange{PageNumber: n, Before: b, After: a})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].PageNumber < changes[j].PageNumber })
	return changes
}
