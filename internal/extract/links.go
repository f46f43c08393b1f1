package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// urlPattern matches an absolute http(s) URL: a host made of word
// characters, dots, dashes and %-octets, an optional port, then an
// optional path/query/fragment that stops at whitespace and characters
// that commonly delimit URLs in prose and markup.
var urlPattern = regexp.MustCompile(
	`(?i)https?://(?:[-\w.]|%[0-9a-f]{2})+(?::\d+)?(?:[/?#][^\s"'<>()\[\]{}]*)?`,
)

const trailingPunct = ".,;:!?'\""

// linkSet accumulates distinct URLs in first-seen order.
type linkSet struct {
	seen  map[string]bool
	order []string
}

func newLinkSet() *linkSet {
	return &linkSet{seen: map[string]bool{}}
}

func (s *linkSet) add(raw string) {
	u := strings.TrimRight(strings.TrimSpace(raw), trailingPunct)
	if !isAbsoluteHTTP(u) || s.seen[u] {
		return
	}
	s.seen[u] = true
	s.order = append(s.order, u)
}

// addText adds every URL found in free text.
func (s *linkSet) addText(text string) {
	for _, m := range urlPattern.FindAllString(text, -1) {
		s.add(m)
	}
}

// addHTML adds anchor targets, then URLs appearing in the rendered text.
func (s *linkSet) addHTML(html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return err
	}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			s.add(href)
		}
	})
	s.addText(doc.Text())
	return nil
}

func (s *linkSet) list() []string {
	return s.order
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
