package inbound

import (
	"regexp"
	"strconv"
	"strings"
)

// Ref points at one recipient of one campaign
type Ref struct {
	CampaignID uint64
	Index      int
}

// <campaign.index.uuid@domain>, the Message-ID of every campaign send
var messageIDPattern = regexp.MustCompile(`<(\d+)\.(\d+)\.[0-9A-Fa-f-]{36}@[^>\s]+>`)

// reply+campaign.index@domain, the Reply-To of reply-tracked sends
var replyAddrPattern = regexp.MustCompile(`(?i)^reply\+(\d+)\.(\d+)@(.+)$`)

// RefsFromHeaders extracts campaign references from In-Reply-To and
// References values, first occurrence first
func RefsFromHeaders(values ...string) []Ref {
	var refs []Ref
	for _, v := range values {
		for _, m := range messageIDPattern.FindAllStringSubmatch(v, -1) {
			if ref, ok := parseRef(m[1], m[2]); ok {
				refs = append(refs, ref)
			}
		}
	}
	return dedupe(refs)
}

// RefFromAddress resolves a reply+<campaign>.<index>@domain address
func RefFromAddress(addr, domain string) (Ref, bool) {
	m := replyAddrPattern.FindStringSubmatch(strings.Trim(strings.TrimSpace(addr), "<>"))
	if m == nil {
		return Ref{}, false
	}
	if domain != "" && !strings.EqualFold(m[3], domain) {
		return Ref{}, false
	}
	return parseRef(m[1], m[2])
}

func parseRef(id, index string) (Ref, bool) {
	campaignID, err := strconv.ParseUint(id, 10, 64)
	if err != nil || campaignID == 0 {
		return Ref{}, false
	}
	idx, err := strconv.Atoi(index)
	if err != nil {
		return Ref{}, false
	}
	return Ref{CampaignID: campaignID, Index: idx}, true
}

func dedupe(refs []Ref) []Ref {
	seen := make(map[Ref]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
