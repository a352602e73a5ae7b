package controller

import (
	"sort"

	"github.com/aerionmail/mailcore/internal/mail"
)

// SortMode is one of the stringly-encoded sort/filter modes a folder view
// can be in (spec 4.9). Modes are orthogonal to caching: they only change
// which uids are visible and in what order, never what's fetched.
type SortMode string

const (
	SortDateDesc        SortMode = "date-desc"
	SortDateAsc         SortMode = "date-asc"
	SortNameAsc         SortMode = "name-asc"
	SortNameDesc        SortMode = "name-desc"
	SortSubjectAsc      SortMode = "subject-asc"
	SortSubjectDesc     SortMode = "subject-desc"
	SortUnseenAsc       SortMode = "unseen-asc"
	SortUnseenDesc      SortMode = "unseen-desc"
	SortAttachmentAsc   SortMode = "attachment-asc"
	SortAttachmentDesc  SortMode = "attachment-desc"
	SortUnseenOnly      SortMode = "unseen-only"
	SortAttachmentOnly  SortMode = "attachment-only"
	SortCurrentDateOnly SortMode = "current-date-only"
	SortCurrentNameOnly SortMode = "current-name-only"
	SortCurrentSubjectOnly SortMode = "current-subject-only"

	DefaultSortMode = SortDateDesc
)

// displayRow is one folder's projection input: the full known uid set plus
// whatever headers/flags the cache currently holds for them. displayUids
// is a pure function of this plus the sort mode — it never mutates
// anything and is safe to call outside of any lock.
type displayRow struct {
	uid    uint32
	header mail.Header
	flags  mail.Flags
	hasHdr bool
}

// displayUids computes the ordered, filtered projection of uids for one
// sort mode (spec invariant 2, design notes §9: a pure function with an
// explicit version counter rather than an in-place mutated structure).
// Uids with no header yet are always included, sorted last, so the view
// never hides a message it doesn't have metadata for yet.
func displayUids(rows []displayRow, mode SortMode) []uint32 {
	filtered := make([]displayRow, 0, len(rows))
	for _, r := range rows {
		if !filterPredicate(r, mode) {
			continue
		}
		filtered = append(filtered, r)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return less(filtered[i], filtered[j], mode)
	})

	out := make([]uint32, len(filtered))
	for i, r := range filtered {
		out[i] = r.uid
	}
	return out
}

func filterPredicate(r displayRow, mode SortMode) bool {
	switch mode {
	case SortUnseenOnly:
		return !r.hasHdr || !r.flags.Has(mail.FlagSeen)
	case SortAttachmentOnly:
		return !r.hasHdr || r.header.HasAttachments
	default:
		return true
	}
}

func less(a, b displayRow, mode SortMode) bool {
	// Uids without a header yet always sort after ones that have one,
	// regardless of mode, so the view never reorders once data arrives.
	if a.hasHdr != b.hasHdr {
		return a.hasHdr
	}
	if !a.hasHdr {
		return a.uid < b.uid
	}

	switch mode {
	case SortDateAsc, SortCurrentDateOnly:
		return a.header.Date.Before(b.header.Date)
	case SortNameAsc:
		return a.header.From < b.header.From
	case SortNameDesc, SortCurrentNameOnly:
		return a.header.From > b.header.From
	case SortSubjectAsc:
		return a.header.Subject < b.header.Subject
	case SortSubjectDesc, SortCurrentSubjectOnly:
		return a.header.Subject > b.header.Subject
	case SortUnseenAsc:
		return boolRank(!a.flags.Has(mail.FlagSeen)) < boolRank(!b.flags.Has(mail.FlagSeen))
	case SortUnseenDesc, SortUnseenOnly:
		return boolRank(!a.flags.Has(mail.FlagSeen)) > boolRank(!b.flags.Has(mail.FlagSeen))
	case SortAttachmentAsc:
		return boolRank(a.header.HasAttachments) < boolRank(b.header.HasAttachments)
	case SortAttachmentDesc, SortAttachmentOnly:
		return boolRank(a.header.HasAttachments) > boolRank(b.header.HasAttachments)
	default: // SortDateDesc and anything unrecognised
		return a.header.Date.After(b.header.Date)
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
