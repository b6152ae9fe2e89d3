// Package extract pulls outbound links, meta tags and titles out of HTML
// documents.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// linkPattern matches absolute http(s) URLs anywhere in a document, not only
// inside href attributes.
var linkPattern = regexp.MustCompile(
	`https?://(www\.)?[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b([-a-zA-Z0-9()@:%_+.~#?&/=]*)`,
)

// Meta is one <meta> element. Attributes absent from the element are nil.
type Meta struct {
	Name      *string `json:"name,omitempty"`
	Property  *string `json:"property,omitempty"`
	Content   *string `json:"content,omitempty"`
	Charset   *string `json:"charset,omitempty"`
	HTTPEquiv *string `json:"http_equiv,omitempty"`
	Scheme    *string `json:"scheme,omitempty"`
}

// FindAllLinks returns every absolute URL in body, in document order and
// without deduplication.
func FindAllLinks(body string) []string {
	return linkPattern.FindAllString(body, -1)
}

// Document is a parsed HTML page.
type Document struct {
	doc *goquery.Document
}

// Parse parses body as HTML.
func Parse(body string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Title returns the trimmed text of the first <title> element.
func (d *Document) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// MetaTags returns one record per <meta> element in document order.
func (d *Document) MetaTags() []Meta {
	var out []Meta
	d.doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		out = append(out, Meta{
			Name:      attr(s, "name"),
			Property:  attr(s, "property"),
			Content:   attr(s, "content"),
			Charset:   attr(s, "charset"),
			HTTPEquiv: attr(s, "http-equiv"),
			Scheme:    attr(s, "scheme"),
		})
	})
	return out
}

// ExtractMetaTags parses body and returns its meta tags.
func ExtractMetaTags(body string) ([]Meta, error) {
	doc, err := Parse(body)
	if err != nil {
		return nil, err
	}
	return doc.MetaTags(), nil
}

// ExtractTitle parses body and returns its title.
func ExtractTitle(body string) (string, error) {
	doc, err := Parse(body)
	if err != nil {
		return "", err
	}
	return doc.Title(), nil
}

func attr(s *goquery.Selection, name string) *string {
	v, ok := s.Attr(name)
	if !ok {
		return nil
	}
	return &v
}
