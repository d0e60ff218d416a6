package htmlutil

import (
	"strings"
	"testing"
)

func TestStripHTML(t *testing.T) {
	for _, tc := range []struct {
		name     string
		in       string
		contains []string
		excludes []string
	}{
		{
			name:     "plain text",
			in:       "hello world",
			contains: []string{"hello world"},
		},
		{
			name:     "simple markup",
			in:       "<p>one <b>two</b> three</p>",
			contains: []string{"one", "two", "three"},
		},
		{
			name:     "script removed",
			in:       "<p>visible</p><script>var hidden = 1;</script>",
			contains: []string{"visible"},
			excludes: []string{"hidden"},
		},
		{
			name:     "style and noscript removed",
			in:       "<style>.a { color: red }</style><noscript>nojs</noscript>text",
			contains: []string{"text"},
			excludes: []string{"color", "nojs"},
		},
		{
			name:     "title removed",
			in:       "<title>the title</title>body text",
			contains: []string{"body text"},
			excludes: []string{"the title"},
		},
		{
			name:     "elements separated by spaces",
			in:       "<p>one</p><p>two</p>",
			contains: []string{"one two"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := StripHTML(tc.in)
			for _, want := range tc.contains {
				if !strings.Contains(got, want) {
					t.Errorf("%q missing from %q", want, got)
				}
			}
			for _, not := range tc.excludes {
				if strings.Contains(got, not) {
					t.Errorf("%q should have been stripped from %q", not, got)
				}
			}
		})
	}
}
