// Package extract turns a raw RFC 5322 message into the headers, readable
// text, links and attachments used for storage and scoring.
package extract

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// DecodeError reports a part that could not be decoded. The part is
// skipped; the rest of the message is still extracted.
type DecodeError struct {
	// Part is the dotted MIME path of the part, "" for the root.
	Part string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Part == "" {
		return fmt.Sprintf("decoding message: %v", e.Err)
	}
	return fmt.Sprintf("decoding part %s: %v", e.Part, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Attachment is a named leaf part of a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result is everything extracted from one message.
type Result struct {
	// Headers maps lower-cased header names to their values in order of
	// appearance. Folded values are joined with a single space.
	Headers map[string][]string

	Subject string
	Sender  string
	Date    *time.Time

	// Body is the decoded text of all text/plain and text/html parts.
	Body string

	// Links holds distinct absolute http(s) URLs in first-seen order.
	Links []string

	Attachments []Attachment

	// Problems lists parts that were skipped.
	Problems []error
}

// Header returns the first value of the named header, or "".
func (r *Result) Header(name string) string {
	if v := r.Headers[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

var foldPattern = regexp.MustCompile(`\s*\r?\n[ \t]+`)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Extract parses raw. It never fails: undecodable parts are recorded in
// Problems, and input that is not a MIME message at all is treated as a
// single plain-text body.
func Extract(raw []byte) *Result {
	res := &Result{Headers: map[string][]string{}}
	links := newLinkSet()

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !isRecoverable(err) {
		res.Problems = append(res.Problems, &DecodeError{Err: err})
		if h, herr := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw))); herr == nil {
			res.Headers = collectHeaders(h)
		}
		res.Body = strings.ToValidUTF8(string(raw), "�")
		links.addText(res.Body)
		res.Links = links.list()
		return res
	}
	if err != nil {
		res.Problems = append(res.Problems, &DecodeError{Err: err})
	}

	res.Headers = collectHeaders(entity.Header.Header)
	fillMetadata(res, mail.Header{Header: entity.Header})

	var body strings.Builder
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			res.Problems = append(res.Problems, &DecodeError{Part: partPath(path), Err: err})
			if part == nil || !isRecoverable(err) {
				return nil
			}
		}

		mediaType, params, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			res.Problems = append(res.Problems, &DecodeError{Part: partPath(path), Err: err})
			return nil
		}

		disposition, dparams, _ := part.Header.ContentDisposition()
		filename := decodeWord(dparams["filename"])
		if filename == "" {
			filename = decodeWord(params["name"])
		}

		if filename != "" {
			res.Attachments = append(res.Attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Data:        data,
			})
		}
		if disposition == "attachment" {
			return nil
		}

		switch mediaType {
		case "text/plain":
			text := strings.ToValidUTF8(string(data), "�")
			appendText(&body, text)
			links.addText(text)
		case "text/html":
			html := strings.ToValidUTF8(string(data), "�")
			appendText(&body, html)
			if err := links.addHTML(html); err != nil {
				res.Problems = append(res.Problems, &DecodeError{Part: partPath(path), Err: err})
				links.addText(html)
			}
		}
		return nil
	})
	if walkErr != nil {
		res.Problems = append(res.Problems, &DecodeError{Err: walkErr})
	}

	res.Body = body.String()
	res.Links = links.list()
	return res
}

// isRecoverable reports whether err still leaves a usable entity whose
// body is passed through undecoded.
func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func collectHeaders(h textproto.Header) map[string][]string {
	headers := make(map[string][]string, h.Len())
	fields := h.Fields()
	for fields.Next() {
		name := strings.ToLower(fields.Key())
		value := strings.TrimSpace(foldPattern.ReplaceAllString(fields.Value(), " "))
		headers[name] = append(headers[name], value)
	}
	return headers
}

func fillMetadata(res *Result, h mail.Header) {
	if subject, err := h.Subject(); err == nil {
		res.Subject = subject
	} else {
		res.Subject = res.Header("subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		res.Sender = from[0].Address
	} else {
		res.Sender = res.Header("from")
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		res.Date = &date
	}
}

func decodeWord(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func appendText(b *strings.Builder, text string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(text)
}

func partPath(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p + 1)
	}
	return strings.Join(parts, ".")
}
