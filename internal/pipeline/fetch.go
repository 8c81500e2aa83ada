// Package pipeline implements the Message Pipeline (spec.md §4.8):
// fetching a bounded recent window from a backend mailbox, parsing
// RFC 5322 bodies, normalizing into model.Message, and the
// fan-out/union logic for aggregation across multiple backends.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/inboxmux/aggregator/internal/catchall"
	"github.com/inboxmux/aggregator/internal/model"
)

// fetchDeadline bounds an entire fetch-window operation (spec.md §4.4:
// "20 s for fetch-window completion"). Exceeding it resolves to an
// empty result rather than propagating an error.
const fetchDeadline = 20 * time.Second

// Fetched pairs a normalized Message with its full parsed payload,
// which callers route into the payload cache separately from the
// lighter message record (spec.md §4.7).
type Fetched struct {
	Message model.Message
	Payload model.Payload
}

// WindowSize picks N per spec.md §4.8 step 5: 50 for single-account
// mode, 100 for aggregated mode, 15 for the ultra-fast profile.
type WindowSize int

const (
	WindowSingleAccount WindowSize = 50
	WindowAggregated    WindowSize = 100
	WindowUltraFast     WindowSize = 15
)

// FetchWindow performs steps 2–10 of spec.md §4.8 against an
// already-connected client: re-select INBOX, search, take the last N
// UIDs, fetch full bodies, parse, defensively filter by To, sort by
// Date descending. target is the recipient address to search for; an
// empty target falls back to SEARCH ALL. On deadline exceeded it
// returns an empty, non-error result (graceful degradation, spec.md §5).
func FetchWindow(ctx context.Context, client *imapclient.Client, backend, target string, window WindowSize, provider model.Provider) ([]Fetched, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchDeadline)
	defer cancel()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("re-selecting INBOX on %s: %w", backend, err)
	}

	criteria := &imap.SearchCriteria{}
	if target != "" {
		criteria.Header = []imap.SearchCriteriaHeaderField{{Key: "To", Value: target}}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("searching %s: %w", backend, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	if len(uids) > int(window) {
		uids = uids[len(uids)-int(window):]
	}

	uidSet := imap.UIDSetNum(uids...)
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{},
		BodySection:   []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var results []Fetched
	for {
		if ctx.Err() != nil {
			return nil, nil
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			// spec.md §7: a Parse error drops only this message.
			continue
		}

		fetched, ok := normalize(buf, bodySection, backend, provider)
		if !ok {
			continue
		}

		if target != "" && !catchall.Matches(fetched.Message.To, target) {
			// spec.md §4.8 step 8: defensive re-check, some IMAP
			// servers' TO search is substring-based.
			continue
		}

		results = append(results, fetched)
	}

	if err := fetchCmd.Close(); err != nil && ctx.Err() == nil {
		return results, fmt.Errorf("closing fetch on %s: %w", backend, err)
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Message.Date.After(results[j].Message.Date)
	})

	return results, nil
}

// normalize turns one fetched message buffer into a Fetched record. It
// reports ok=false when the message is too malformed to use at all
// (spec.md §7, Parse errors are dropped, not fatal).
func normalize(buf *imapclient.FetchMessageBuffer, bodySection *imap.FetchItemBodySection, backend string, provider model.Provider) (Fetched, bool) {
	if buf.Envelope == nil {
		return Fetched{}, false
	}

	env := buf.Envelope

	from, fromName := "", ""
	if len(env.From) > 0 {
		from = strings.ToLower(env.From[0].Addr())
		fromName = env.From[0].Name
	}

	to := ""
	if len(env.To) > 0 {
		to = strings.ToLower(env.To[0].Addr())
	}

	id := env.MessageID
	if id == "" {
		id = fmt.Sprintf("uid-%s-%d", backend, buf.UID)
	}

	msg := model.Message{
		ID:       id,
		UID:      uint32(buf.UID),
		From:     from,
		FromName: fromName,
		To:       to,
		Subject:  env.Subject,
		Date:     env.Date.UTC(),
		Backend:  backend,
		Provider: provider,
		IsAlias:  !strings.EqualFold(to, backend),
	}

	payload := model.Payload{MessageID: id}

	if raw := buf.FindBodySection(bodySection); raw != nil {
		textBody, htmlBody, attachments := parseMIME(raw)
		msg.TextBody = textBody
		msg.HTMLBody = htmlBody
		payload.TextBody = textBody
		payload.HTMLBody = htmlBody
		payload.Attachments = attachments
		for _, a := range attachments {
			msg.Attachments = append(msg.Attachments, a.Attachment)
		}
	}

	return Fetched{Message: msg, Payload: payload}, true
}

// parseMIME parses a raw RFC 5322 body, extracting the text/plain and
// text/html parts and enumerating attachments with their raw bytes
// (spec.md §4.8 step 7).
func parseMIME(raw []byte) (textBody, htmlBody string, attachments []model.AttachmentBlob) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, model.AttachmentBlob{
				Attachment: model.Attachment{
					Filename:    filename,
					ContentType: contentType,
					SizeBytes:   int64(len(body)),
				},
				Data: body,
			})
		}
	}

	return textBody, htmlBody, attachments
}
