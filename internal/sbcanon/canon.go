// Package sbcanon implements URL canonicalization for the reputation-list
// lookup pipeline: the deterministic rewrite of an arbitrary input URL into
// the canonical form, host-suffix set, path-prefix set, and SHA-256 full
// hashes that the update and lookup engines match against.
//
// The canonicalization rules are grounded on the published Safe Browsing
// canonicalization algorithm and verified against the fixture table in
// rjohnsondev-go-safe-browsing-api's canonicalize_test.go (kept in the
// retrieval pack as reference material, not as the teacher). Where spec.md's
// prose description and that fixture table disagree on ordering, the
// fixtures win, per spec.md §9's note that "implementers should follow the
// service's current published rules when they disagree".
package sbcanon

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// MaxHostSuffixes is the maximum number of host-suffix permutations produced
// for a single URL.
const MaxHostSuffixes = 5

// MaxPathPrefixes is the maximum number of path-prefix permutations produced
// for a single URL.
const MaxPathPrefixes = 6

// HostKeyProbeCount is the number of most-specific host suffixes used to
// compute host-key probes.
const HostKeyProbeCount = 3

// PrefixLen is the length, in bytes, of the truncated SHA-256 prefix used to
// probe the local database.
const PrefixLen = 4

// errEmptyURL is returned by Canonicalize when the input is empty after
// trimming.
const errEmptyURL errors.Error = "empty url"

// Canonicalize rewrites raw into its canonical form: scheme normalized,
// fragment dropped, path/host percent-decoded to a fixed point and
// re-encoded once, consecutive path slashes collapsed, dot-segments
// resolved, numeric hosts folded to dotted-quad IPv4, and the host
// lowercased.
func Canonicalize(raw string) (canonical string, err error) {
	s := strings.TrimSpace(raw)
	s = stripCTLChars(s)
	if s == "" {
		return "", errEmptyURL
	}

	if idx := strings.IndexByte(s, '#'); idx != -1 {
		s = s[:idx]
	}

	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	schemeEnd := strings.Index(s, "://")
	scheme := s[:schemeEnd]
	rest := s[schemeEnd+3:]

	host, pathAndQuery := splitHostRest(rest)

	host, err = canonicalizeHost(host)
	if err != nil {
		return "", fmt.Errorf("canonicalizing host: %w", err)
	}

	path, query := splitPathQuery(pathAndQuery)
	path = percentUnescapeFixed(path)
	path = normalizePath(path)

	out := scheme + "://" + host + path + query

	return percentEscape(out), nil
}

// stripCTLChars removes tab, CR, and LF characters from s wherever they
// occur.
func stripCTLChars(s string) string {
	if !strings.ContainsAny(s, "\t\r\n") {
		return s
	}

	b := &strings.Builder{}
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\t', '\r', '\n':
		default:
			b.WriteByte(s[i])
		}
	}

	return b.String()
}

// splitHostRest splits the scheme-stripped remainder into a host component
// and the rest (path and query, starting with '/' if present).
func splitHostRest(rest string) (host, pathAndQuery string) {
	idx := strings.IndexByte(rest, '/')
	if idx == -1 {
		if q := strings.IndexByte(rest, '?'); q != -1 {
			return rest[:q], rest[q:]
		}

		return rest, ""
	}

	return rest[:idx], rest[idx:]
}

// splitPathQuery splits a path-and-query string at the first '?'.
func splitPathQuery(s string) (path, query string) {
	if s == "" {
		return "/", ""
	}

	idx := strings.IndexByte(s, '?')
	if idx == -1 {
		return s, ""
	}

	return s[:idx], s[idx:]
}

// canonicalizeHost percent-decodes, folds numeric hosts to dotted-quad
// IPv4, collapses dot runs, and lowercases the host.
func canonicalizeHost(host string) (canon string, err error) {
	host = percentUnescapeFixed(host)
	host = collapseDots(host)

	if ipv4, ok := ipv4FromInteger(host); ok {
		host = ipv4
	}

	// Lowercase ASCII only, so bytes that aren't valid UTF-8 reach
	// percentEscape unchanged.
	b := []byte(host)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}

	return string(b), nil
}

// collapseDots replaces runs of '.' with a single '.' and trims leading and
// trailing dots, leaving any port suffix (":NNNN") untouched.
func collapseDots(host string) string {
	port := ""
	if idx := strings.LastIndexByte(host, ':'); idx != -1 {
		host, port = host[:idx], host[idx:]
	}

	labels := strings.Split(host, ".")
	out := labels[:0]
	for _, l := range labels {
		if l != "" {
			out = append(out, l)
		}
	}

	return strings.Join(out, ".") + port
}

// ipv4FromInteger reinterprets an all-numeric host as a 32-bit integer and
// renders it as dotted-quad IPv4, per spec.md §4.1 step 7.
func ipv4FromInteger(host string) (ipv4 string, ok bool) {
	if host == "" {
		return "", false
	}

	for i := 0; i < len(host); i++ {
		if host[i] < '0' || host[i] > '9' {
			return "", false
		}
	}

	n, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return "", false
	}

	return fmt.Sprintf(
		"%d.%d.%d.%d",
		byte(n>>24), byte(n>>16), byte(n>>8), byte(n),
	), true
}

// percentUnescapeFixed repeatedly decodes valid %XX sequences in s until no
// more decodes are possible. Invalid or truncated sequences are left as
// literal '%' bytes.
func percentUnescapeFixed(s string) string {
	for {
		next, changed := percentUnescapeOnce(s)
		if !changed {
			return next
		}

		s = next
	}
}

// percentUnescapeOnce performs a single left-to-right decoding pass.
func percentUnescapeOnce(s string) (out string, changed bool) {
	b := &strings.Builder{}
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] == '%' && i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]) {
			b.WriteByte(hexVal(s[i+1])<<4 | hexVal(s[i+2]))
			i += 3
			changed = true

			continue
		}

		b.WriteByte(s[i])
		i++
	}

	return b.String(), changed
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// percentEscape re-encodes all control bytes (<=0x20), DEL and non-ASCII
// bytes (>=0x7f), '#', and '%' as %XX, leaving everything else untouched.
func percentEscape(s string) string {
	b := &strings.Builder{}
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c >= 0x7f || c == '#' || c == '%' {
			fmt.Fprintf(b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}

	return b.String()
}

// normalizePath collapses consecutive slashes, resolves "." and ".."
// segments, and guarantees at least a "/" prefix.
func normalizePath(path string) string {
	path = collapseSlashes(path)
	if path == "" || path[0] != '/' {
		path = "/" + path
	}

	segs := strings.Split(path, "/")
	out := make([]string, 0, len(segs))
	for _, seg := range segs[1:] {
		switch seg {
		case ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	return "/" + strings.Join(out, "/")
}

// collapseSlashes replaces runs of '/' with a single '/'.
func collapseSlashes(path string) string {
	if !strings.Contains(path, "//") {
		return path
	}

	b := &strings.Builder{}
	b.Grow(len(path))

	prevSlash := false
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteByte(path[i])
	}

	return b.String()
}

// HostSuffixes returns the host-suffix permutations used to probe the local
// database, per spec.md §4.1: the IPv4 address alone if host is an IPv4
// literal, else the full host followed by progressively shorter suffixes of
// its last five labels, down to two labels, capped at MaxHostSuffixes.
func HostSuffixes(host string) (suffixes []string) {
	if isDottedIPv4(host) {
		return []string{host}
	}

	labels := strings.Split(host, ".")
	trunc := labels
	if len(labels) > MaxHostSuffixes {
		trunc = labels[len(labels)-MaxHostSuffixes:]
	}

	suffixes = append(suffixes, host)
	for n := len(trunc); n >= 2; n-- {
		s := strings.Join(trunc[len(trunc)-n:], ".")
		if s == host {
			continue
		}

		suffixes = append(suffixes, s)
	}

	if len(suffixes) > MaxHostSuffixes {
		suffixes = suffixes[:MaxHostSuffixes]
	}

	return suffixes
}

// isDottedIPv4 reports whether host is a dotted-quad IPv4 literal (the form
// produced by ipv4FromInteger and the only form canonical URLs use for IP
// hosts).
func isDottedIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}

	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}

		for i := 0; i < len(p); i++ {
			if p[i] < '0' || p[i] > '9' {
				return false
			}
		}

		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}

	return true
}

// PathPrefixes returns the path-prefix permutations used to probe the local
// database, per spec.md §4.1: the full path with query, the full path
// without query, and progressively deeper directory prefixes starting from
// "/", capped at MaxPathPrefixes.
func PathPrefixes(path, query string) (prefixes []string) {
	if query != "" {
		prefixes = append(prefixes, path+query)
	}

	prefixes = append(prefixes, path)

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return dedupeCap(prefixes, MaxPathPrefixes)
	}

	segs := strings.Split(trimmed, "/")
	dir := "/"
	prefixes = append(prefixes, dir)
	for i := 0; i < len(segs)-1 && len(prefixes) < MaxPathPrefixes; i++ {
		dir += segs[i] + "/"
		prefixes = append(prefixes, dir)
	}

	return dedupeCap(prefixes, MaxPathPrefixes)
}

// dedupeCap removes duplicate entries while preserving order, then caps the
// result at max entries.
func dedupeCap(in []string, max int) (out []string) {
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}

		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) >= max {
			break
		}
	}

	return out
}

// FullHash is the complete 32-byte SHA-256 digest of a canonical
// suffix+prefix string.
type FullHash [sha256.Size]byte

// Prefix is the truncated PrefixLen-byte lookup key derived from a
// FullHash.
type Prefix [PrefixLen]byte

// Truncate returns the PrefixLen-byte prefix of h.
func (h FullHash) Truncate() (p Prefix) {
	copy(p[:], h[:PrefixLen])

	return p
}

// Candidates holds the canonical URL and the permutations derived from it:
// the host suffixes (most specific first), the path prefixes, and the
// cartesian product of their full hashes.
type Candidates struct {
	Canonical    string
	HostSuffixes []string
	PathPrefixes []string
	FullHashes   []FullHash
}

// BuildCandidates canonicalizes raw and computes its full set of lookup
// candidates.
func BuildCandidates(raw string) (c Candidates, err error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return Candidates{}, err
	}

	host, pathAndQuery := hostAndPathFromCanonical(canonical)
	path, query := splitPathQuery(pathAndQuery)

	c.Canonical = canonical
	c.HostSuffixes = HostSuffixes(host)
	c.PathPrefixes = PathPrefixes(path, query)

	c.FullHashes = make([]FullHash, 0, len(c.HostSuffixes)*len(c.PathPrefixes))
	for _, suf := range c.HostSuffixes {
		for _, p := range c.PathPrefixes {
			c.FullHashes = append(c.FullHashes, sha256.Sum256([]byte(suf+p)))
		}
	}

	return c, nil
}

// hostAndPathFromCanonical extracts the host and path+query from an
// already-canonicalized URL (which always has a "scheme://" prefix).
func hostAndPathFromCanonical(canonical string) (host, pathAndQuery string) {
	schemeEnd := strings.Index(canonical, "://")
	rest := canonical[schemeEnd+3:]

	return splitHostRest(rest)
}

// HostKeyProbes returns the SHA-256 prefixes of "suffix/" for the
// HostKeyProbeCount most specific host suffixes, per spec.md §4.1's
// host-key probe rule.
func HostKeyProbes(hostSuffixes []string) (probes []Prefix) {
	n := len(hostSuffixes)
	if n > HostKeyProbeCount {
		n = HostKeyProbeCount
	}

	probes = make([]Prefix, 0, n)
	for _, s := range hostSuffixes[:n] {
		sum := sha256.Sum256([]byte(s + "/"))
		var p Prefix
		copy(p[:], sum[:PrefixLen])
		probes = append(probes, p)
	}

	return probes
}
