package sbcanon_test

import (
	"testing"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbcanon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{{
		in:   "http://host/%25%32%35",
		want: "http://host/%25",
	}, {
		in:   "http://host/%25%32%35%25%32%35",
		want: "http://host/%25%25",
	}, {
		in:   "http://host/%2525252525252525",
		want: "http://host/%25",
	}, {
		in:   "http://host/asdf%25%32%35asd",
		want: "http://host/asdf%25asd",
	}, {
		in:   "http://host/%%%25%32%35asd%%",
		want: "http://host/%25%25%25asd%25%25",
	}, {
		in:   "http://www.google.com/",
		want: "http://www.google.com/",
	}, {
		in:   "http://%31%36%38%2e%31%38%38%2e%39%39%2e%32%36/%2E%73%65%63%75%72%65/%77%77%77%2E%65%62%61%79%2E%63%6F%6D/",
		want: "http://168.188.99.26/.secure/www.ebay.com/",
	}, {
		in:   "http://195.127.0.11/uploads/%20%20%20%20/.verify/.eBaysecure=updateuserdataxplimnbqmn-xplmvalidateinfoswqpcmlx=hgplmcx/",
		want: "http://195.127.0.11/uploads/%20%20%20%20/.verify/.eBaysecure=updateuserdataxplimnbqmn-xplmvalidateinfoswqpcmlx=hgplmcx/",
	}, {
		in:   "http://host%23.com/%257Ea%2521b%2540c%2523d%2524e%25f%255E00%252611%252A22%252833%252944_55%252B",
		want: "http://host%23.com/~a!b@c%23d$e%25f^00&11*22(33)44_55+",
	}, {
		in:   "http://3279880203/blah",
		want: "http://195.127.0.11/blah",
	}, {
		in:   "http://www.google.com/blah/..",
		want: "http://www.google.com/",
	}, {
		in:   "www.google.com/",
		want: "http://www.google.com/",
	}, {
		in:   "www.google.com",
		want: "http://www.google.com/",
	}, {
		in:   "http://www.evil.com/blah#frag",
		want: "http://www.evil.com/blah",
	}, {
		in:   "http://www.GOOgle.com/",
		want: "http://www.google.com/",
	}, {
		in:   "http://www.google.com.../",
		want: "http://www.google.com/",
	}, {
		in:   "http://www.google.com/foo\tbar\rbaz\n2",
		want: "http://www.google.com/foobarbaz2",
	}, {
		in:   "http://www.google.com/q?",
		want: "http://www.google.com/q?",
	}, {
		in:   "http://www.google.com/q?r?",
		want: "http://www.google.com/q?r?",
	}, {
		in:   "http://www.google.com/q?r?s",
		want: "http://www.google.com/q?r?s",
	}, {
		in:   "http://evil.com/foo#bar#baz",
		want: "http://evil.com/foo",
	}, {
		in:   "http://evil.com/foo;",
		want: "http://evil.com/foo;",
	}, {
		in:   "http://evil.com/foo?bar;",
		want: "http://evil.com/foo?bar;",
	}, {
		in:   "http://\x01\x80.com/",
		want: "http://%01%80.com/",
	}, {
		in:   "http://notrailingslash.com",
		want: "http://notrailingslash.com/",
	}, {
		in:   "http://www.gotaport.com:1234/",
		want: "http://www.gotaport.com:1234/",
	}, {
		in:   "  http://www.google.com/  ",
		want: "http://www.google.com/",
	}, {
		in:   "http:// leadingspace.com/",
		want: "http://%20leadingspace.com/",
	}, {
		in:   "http://%20leadingspace.com/",
		want: "http://%20leadingspace.com/",
	}, {
		in:   "%20leadingspace.com/",
		want: "http://%20leadingspace.com/",
	}, {
		in:   "https://www.securesite.com/",
		want: "https://www.securesite.com/",
	}, {
		in:   "http://host.com/ab%23cd",
		want: "http://host.com/ab%23cd",
	}, {
		in:   "http://host.com//twoslashes?more//slashes",
		want: "http://host.com/twoslashes?more//slashes",
	}, {
		in:   "http://host.com/another//twoslashes?more//slashes",
		want: "http://host.com/another/twoslashes?more//slashes",
	}, {
		in:   "http://evil.com/foo//bar/../baz?x=1",
		want: "http://evil.com/foo/baz?x=1",
	}, {
		in:   "http://3232235521/",
		want: "http://192.168.0.1/",
	}}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := sbcanon.Canonicalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalize_empty(t *testing.T) {
	_, err := sbcanon.Canonicalize("   ")
	assert.Error(t, err)
}

func TestHostSuffixes(t *testing.T) {
	testCases := []struct {
		name string
		host string
		want []string
	}{{
		name: "short",
		host: "a.b.c",
		want: []string{"a.b.c", "b.c"},
	}, {
		name: "long",
		host: "a.b.c.d.e.f.g",
		want: []string{"a.b.c.d.e.f.g", "c.d.e.f.g", "d.e.f.g", "e.f.g", "f.g"},
	}, {
		name: "ipv4",
		host: "1.2.3.4",
		want: []string{"1.2.3.4"},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sbcanon.HostSuffixes(tc.host))
		})
	}
}

func TestPathPrefixes(t *testing.T) {
	testCases := []struct {
		name  string
		path  string
		query string
		want  []string
	}{{
		name:  "with_query",
		path:  "/1/2.html",
		query: "?param=1",
		want:  []string{"/1/2.html?param=1", "/1/2.html", "/", "/1/"},
	}, {
		name:  "root_only",
		path:  "/",
		query: "",
		want:  []string{"/"},
	}, {
		name:  "single_segment",
		path:  "/1/",
		query: "",
		want:  []string{"/1/", "/"},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sbcanon.PathPrefixes(tc.path, tc.query))
		})
	}
}

func TestBuildCandidates(t *testing.T) {
	c, err := sbcanon.BuildCandidates("http://a.b.c/1/2.html?param=1")
	require.NoError(t, err)

	assert.Equal(t, []string{"a.b.c", "b.c"}, c.HostSuffixes)
	assert.ElementsMatch(t, []string{
		"/1/2.html?param=1", "/1/2.html", "/", "/1/",
	}, c.PathPrefixes)
	assert.Len(t, c.FullHashes, len(c.HostSuffixes)*len(c.PathPrefixes))
}

func TestHostKeyProbes(t *testing.T) {
	probes := sbcanon.HostKeyProbes([]string{"a.b.c.d.e.f.g", "c.d.e.f.g", "d.e.f.g", "e.f.g", "f.g"})
	require.Len(t, probes, sbcanon.HostKeyProbeCount)
}
