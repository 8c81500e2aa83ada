package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const plainAndHTMLMessage = "From: sender@example.com\r\n" +
	"To: recipient@example.com\r\n" +
	"Subject: Test\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--BOUNDARY--\r\n"

const messageWithAttachment = "From: sender@example.com\r\n" +
	"To: recipient@example.com\r\n" +
	"Subject: With attachment\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"\r\n" +
	"attachment contents\r\n" +
	"--BOUNDARY--\r\n"

func TestParseMIME_ExtractsPlainAndHTML(t *testing.T) {
	text, html, attachments := parseMIME([]byte(plainAndHTMLMessage))

	require.Equal(t, "plain body", text)
	require.Equal(t, "<p>html body</p>", html)
	require.Empty(t, attachments)
}

func TestParseMIME_ExtractsAttachment(t *testing.T) {
	text, _, attachments := parseMIME([]byte(messageWithAttachment))

	require.Equal(t, "see attached", text)
	require.Len(t, attachments, 1)
	require.Equal(t, "notes.txt", attachments[0].Filename)
	require.Equal(t, "attachment contents", string(attachments[0].Data))
}

func TestParseMIME_MalformedFallsBackToRawText(t *testing.T) {
	text, html, attachments := parseMIME([]byte("not a mime message at all"))

	require.Equal(t, "not a mime message at all", text)
	require.Empty(t, html)
	require.Empty(t, attachments)
}
