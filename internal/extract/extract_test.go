package extract

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const multipartMessage = `From: "PayPal Support" <support@paypa1-secure.xyz>
To: victim@example.com
Subject: =?UTF-8?Q?Action_required?=
Date: Mon, 06 May 2024 10:00:00 +0000
Received: from mx.example.com
	by inbound.example.com
Received: from [203.0.113.9] by mx.example.com
Message-ID: <abc@mailer.example.net>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

Please verify at http://192.168.1.1/login.php, then visit https://secure-amaz0n.com/secure.
--inner
Content-Type: text/html; charset=utf-8

<p>Click <a href="https://secure-amaz0n.com/secure">here</a> or
<a href="https://tracker.example.com/?a=1&amp;b=2">track</a>
<a href="mailto:help@example.com">mail</a></p>
--inner--

--outer
Content-Type: application/pdf; name="invoice.pdf"
Content-Disposition: attachment; filename="invoice.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer
Content-Type: text/plain; name="=?UTF-8?B?w6l0w6kudHh0?="
Content-Disposition: attachment

summer notes
--outer--
`

func TestExtract_Multipart(t *testing.T) {
	res := Extract(crlf(multipartMessage))

	assert.Empty(t, res.Problems)
	assert.Equal(t, "Action required", res.Subject)
	assert.Equal(t, "support@paypa1-secure.xyz", res.Sender)
	require.NotNil(t, res.Date)
	assert.Equal(t, 2024, res.Date.Year())

	assert.Equal(t, []string{
		"from mx.example.com by inbound.example.com",
		"from [203.0.113.9] by mx.example.com",
	}, res.Headers["received"])
	assert.Equal(t, "<abc@mailer.example.net>", res.Header("Message-ID"))

	assert.Contains(t, res.Body, "Please verify")
	assert.Contains(t, res.Body, "<a href=")
	assert.NotContains(t, res.Body, "summer notes")

	assert.Equal(t, []string{
		"http://192.168.1.1/login.php",
		"https://secure-amaz0n.com/secure",
		"https://tracker.example.com/?a=1&b=2",
	}, res.Links)

	require.Len(t, res.Attachments, 2)
	assert.Equal(t, "invoice.pdf", res.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", res.Attachments[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.4\n"), res.Attachments[0].Data)
	assert.Equal(t, "été.txt", res.Attachments[1].Filename)
}

func TestExtract_NonMIMEFallsBackToText(t *testing.T) {
	raw := []byte("this is not a header line\nvisit https://example.org/path now\n")

	res := Extract(raw)

	require.NotEmpty(t, res.Problems)
	var decodeErr *DecodeError
	assert.True(t, errors.As(res.Problems[0], &decodeErr))
	assert.Equal(t, string(raw), res.Body)
	assert.Equal(t, []string{"https://example.org/path"}, res.Links)
	assert.Empty(t, res.Attachments)
}

func TestExtract_UnknownCharsetKeepsBody(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: odd
Content-Type: text/plain; charset=x-made-up

body with https://example.com/x
`)

	res := Extract(raw)

	assert.NotEmpty(t, res.Problems)
	assert.Contains(t, res.Body, "body with")
	assert.Equal(t, []string{"https://example.com/x"}, res.Links)
}

func TestExtract_InvalidUTF8IsReplaced(t *testing.T) {
	raw := append(crlf("From: a@example.com\nContent-Type: text/plain; charset=utf-8\n\nbad "), 0xff, 0xfe)

	res := Extract(raw)

	assert.Contains(t, res.Body, "bad �")
}

func TestLinkSet_AddText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "dedup and trailing punctuation",
			text: "See https://a.com/x. Then https://a.com/x, and http://b.org!",
			want: []string{"https://a.com/x", "http://b.org"},
		},
		{
			name: "stops at whitespace",
			text: "go to http://example.com/login now please",
			want: []string{"http://example.com/login"},
		},
		{
			name: "port and query",
			text: "(http://10.0.0.1:8080/a?b=c#d)",
			want: []string{"http://10.0.0.1:8080/a?b=c#d"},
		},
		{
			name: "no scheme",
			text: "www.example.com and ftp://example.com",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := newLinkSet()
			links.addText(tt.text)
			assert.Equal(t, tt.want, links.list())
		})
	}
}
