// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strconv"
	"time"
)

// PaginationMode selects how an upstream collection is walked.
type PaginationMode string

const (
	// PaginateKeyset follows pagination.last_indexes from each response.
	PaginateKeyset PaginationMode = "last_indexes"
	// PaginatePage walks page=1..N.
	PaginatePage PaginationMode = "page"
)

// Source describes one extractable (endpoint, destination table) pair.
// One pipeline serves every collection, parameterized by these descriptors
// instead of per-collection code.
type Source struct {
	Name         string
	Origin       string // value of the control-table source column
	Endpoint     string
	Table        string
	MergeKey     string // natural identifier used for idempotent loads
	IndexedField string // per-record field watermarks are computed from
	FilterParam  string // optional lower-bound query parameter on IndexedField
	SortField    string
	Mode         PaginationMode
	Params       map[string]string // static query parameters
}

// BuiltinSources returns descriptors for the supported OpenFEC collections.
// Schedule A rejects unbounded queries, so its transaction period is pinned
// to the current year at call time.
func BuiltinSources() []Source {
	year := strconv.Itoa(time.Now().Year())

	return []Source{
		{
			Name:         "schedule_a",
			Origin:       "openfec",
			Endpoint:     "/schedules/schedule_a/",
			Table:        "raw.fec_schedule_a",
			MergeKey:     "sub_id",
			IndexedField: "load_date",
			FilterParam:  "min_load_date",
			SortField:    "contribution_receipt_date",
			Mode:         PaginateKeyset,
			Params:       map[string]string{"two_year_transaction_period": year},
		},
		{
			Name:         "committees",
			Origin:       "openfec",
			Endpoint:     "/committees/",
			Table:        "raw.fec_committees",
			MergeKey:     "committee_id",
			IndexedField: "load_date",
			Mode:         PaginatePage,
		},
		{
			Name:         "candidates",
			Origin:       "openfec",
			Endpoint:     "/candidates/",
			Table:        "raw.fec_candidates",
			MergeKey:     "candidate_id",
			IndexedField: "load_date",
			Mode:         PaginatePage,
		},
	}
}

// LookupSource resolves a builtin descriptor by name.
func LookupSource(name string) (Source, error) {
	for _, src := range BuiltinSources() {
		if src.Name == name {
			return src, nil
		}
	}
	return Source{}, ErrUnknownSource
}
