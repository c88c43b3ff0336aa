package webcontext

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

var blankRunRe = regexp.MustCompile(`\n{4,}`)

// Converter reduces a fetched page to a title and a markdown body suitable
// for inclusion in a planner prompt.
type Converter struct {
	md *md.Converter
}

// NewConverter creates a converter with GitHub-flavored markdown output.
func NewConverter() *Converter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Converter{md: conv}
}

// Convert extracts the readable article from page and renders it as markdown.
// pageURL anchors relative links during extraction.
func (c *Converter) Convert(pageURL string, page []byte) (title, markdown string, err error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", "", fmt.Errorf("parse page url: %w", err)
	}

	content := string(page)
	article, rerr := readability.FromReader(bytes.NewReader(page), parsed)
	if rerr == nil && strings.TrimSpace(article.Content) != "" {
		title = article.Title
		content = article.Content
	}

	markdown, err = c.md.ConvertString(content)
	if err != nil {
		return "", "", fmt.Errorf("convert to markdown: %w", err)
	}
	markdown = tidyMarkdown(markdown)

	if title == "" {
		title = htmlTitle(page)
	}
	if title == "" {
		title = markdownTitle(markdown)
	}
	return title, markdown, nil
}

// tidyMarkdown collapses excessive blank runs and trims trailing whitespace.
func tidyMarkdown(s string) string {
	s = blankRunRe.ReplaceAllString(s, "\n\n\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// htmlTitle pulls the <title> element out of raw HTML.
func htmlTitle(page []byte) string {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// markdownTitle returns the first H1 heading, if any.
func markdownTitle(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
