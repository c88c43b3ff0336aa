package webcontext

import (
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Widget Retry Semantics</title></head>
<body>
<nav>Home | Docs | About</nav>
<article>
<h1>Widget Retry Semantics</h1>
<p>Widgets retry transient failures with exponential backoff. The base delay
doubles on every consecutive failure until the configured ceiling is reached,
and a small random jitter keeps independent widgets from thundering in
lockstep. Permanent failures are never retried. Operators can inspect the
retry history of any widget through the status endpoint, which records the
delay and strategy that preceded every attempt.</p>
<ul><li>constant</li><li>linear</li><li>exponential</li></ul>
<pre><code>retry:
  strategy: exponential</code></pre>
</article>
<footer>Copyright</footer>
</body>
</html>`

func TestConverterConvert(t *testing.T) {
	c := NewConverter()

	title, markdown, err := c.Convert("https://example.com/docs/retries", []byte(samplePage))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	if title != "Widget Retry Semantics" {
		t.Errorf("unexpected title %q", title)
	}
	for _, want := range []string{"exponential backoff", "- constant", "strategy: exponential"} {
		if !strings.Contains(markdown, want) {
			t.Errorf("markdown missing %q:\n%s", want, markdown)
		}
	}
	if strings.Contains(markdown, "<p>") || strings.Contains(markdown, "<article>") {
		t.Errorf("markdown still contains HTML:\n%s", markdown)
	}
}

func TestConverterTitleFallbacks(t *testing.T) {
	c := NewConverter()

	t.Run("title element wins without readable article", func(t *testing.T) {
		page := `<html><head><title>Bare Page</title></head><body><p>hi</p></body></html>`
		title, _, err := c.Convert("https://example.com/", []byte(page))
		if err != nil {
			t.Fatalf("convert: %v", err)
		}
		if title != "Bare Page" {
			t.Errorf("unexpected title %q", title)
		}
	})

	t.Run("h1 heading as last resort", func(t *testing.T) {
		page := `<html><body><h1>Heading Only</h1><p>content</p></body></html>`
		title, _, err := c.Convert("https://example.com/", []byte(page))
		if err != nil {
			t.Fatalf("convert: %v", err)
		}
		if title != "Heading Only" {
			t.Errorf("unexpected title %q", title)
		}
	})
}

func TestTidyMarkdown(t *testing.T) {
	in := "# Title   \n\n\n\n\n\nbody\t\n"
	got := tidyMarkdown(in)
	if strings.Contains(got, "\n\n\n\n") {
		t.Errorf("blank runs not collapsed: %q", got)
	}
	if strings.HasSuffix(got, "\n") || strings.Contains(got, " \n") {
		t.Errorf("trailing whitespace not trimmed: %q", got)
	}
}
