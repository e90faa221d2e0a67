package detect

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
	"github.com/spaolacci/murmur3"
	"golang.org/x/net/publicsuffix"
)

// based on: https://stackoverflow.com/a/48769624, with no trailing period allowed
var urlRegex = regexp.MustCompile(`(?:(?:https?|ftp):\/\/)?[\w/\-?=%.]+\.[\w/\-&?=%.]*[\w/\-&?=%]+`)

// ExtractLinks returns the distinct links in raw, in order of first
// appearance. Links that only differ cosmetically (case of the host, default
// port, trailing slash) count once.
//
// A candidate without a scheme counts only when its host ends in a public
// suffix, so version numbers and file names in prose are skipped.
func ExtractLinks(raw string) []string {
	return appendLinks(nil, map[string]bool{}, urlRegex.FindAllString(raw, -1), true)
}

// MessageLinks returns the links in msg.Text followed by the links the
// platform reported separately, without duplicates.
func MessageLinks(msg Message) []string {
	seen := map[string]bool{}
	out := appendLinks(nil, seen, urlRegex.FindAllString(msg.Text, -1), true)
	return appendLinks(out, seen, msg.Links, false)
}

func appendLinks(out []string, seen map[string]bool, candidates []string, strict bool) []string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || (strict && !plausibleLink(c)) {
			continue
		}
		key := normalizeLink(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func plausibleLink(s string) bool {
	explicit := strings.Contains(s, "://")
	raw := s
	if !explicit {
		raw = "http://" + s
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	switch {
	case host == "":
		return false
	case explicit:
		return true
	case net.ParseIP(host) != nil:
		return true
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	return icann && suffix != host
}

func normalizeLink(raw string) string {
	clean, err := purell.NormalizeURLString(raw, purell.FlagsUsuallySafeGreedy|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes)
	if err != nil {
		return raw
	}
	return clean
}

// ContentHash returns a fast, compact hash of message text, used to match
// reposts without comparing bodies.
func ContentHash(s string) string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(s)))
}
