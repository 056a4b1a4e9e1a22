// Package message implements the structural parse stage: it turns the raw
// task bytes into MIME parts, text parts, address lists and a content
// digest for the rest of the pipeline to consume.
package message

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"lukechampine.com/blake3"

	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/task"
)

var (
	urlRe   = regexp.MustCompile(`https?://[^\s<>"')]+`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// Parser implements task.MessageParser on top of go-message.
type Parser struct{}

// NewParser creates the MIME parse stage.
func NewParser() *Parser {
	return &Parser{}
}

// Parse fills the task's message collections from its raw byte view. An
// empty task parses to nothing successfully; a structurally broken message
// is a fatal parse error.
func (p *Parser) Parse(t *task.Task) error {
	t.Digest = digest(t.Msg)

	if t.IsEmpty() || len(t.Msg) == 0 {
		return nil
	}

	ent, err := gomessage.Read(bytes.NewReader(t.Msg))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return fmt.Errorf("message parse failed: %w", err)
	}

	p.collectHeaders(t, ent)

	if err := p.walk(t, ent); err != nil {
		return err
	}

	p.scanTextParts(t)

	logger.Debug("message parsed",
		"scan_id", t.ScanID,
		"parts", len(t.Parts),
		"text_parts", len(t.TextParts),
		"urls", len(t.URLs))

	return nil
}

func (p *Parser) collectHeaders(t *task.Task, ent *gomessage.Entity) {
	fields := ent.Header.Fields()
	for fields.Next() {
		t.AppendHeader(fields.Key(), fields.Value())
	}

	mh := mail.Header{Header: ent.Header}

	if mid, err := mh.MessageID(); err == nil && mid != "" {
		t.MessageID = mid
	}
	if subject, err := mh.Subject(); err == nil && subject != "" {
		t.Subject = subject
	}

	if from, err := mh.AddressList("From"); err == nil {
		t.FromMIME = fromMailAddresses(from)
	}
	var rcpts []*mail.Address
	for _, field := range []string{"To", "Cc", "Bcc"} {
		if list, err := mh.AddressList(field); err == nil {
			rcpts = append(rcpts, list...)
		}
	}
	t.RcptMIME = fromMailAddresses(rcpts)

	t.Received = append(t.Received, t.HeaderValues("Received")...)
}

func (p *Parser) walk(t *task.Task, ent *gomessage.Entity) error {
	mediaType, _, _ := ent.Header.ContentType()

	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("multipart read failed: %w", err)
			}
			if err := p.walk(t, part); err != nil {
				return err
			}
		}
		return nil
	}

	content, err := io.ReadAll(ent.Body)
	if err != nil {
		return fmt.Errorf("part body read failed: %w", err)
	}

	headers := make(map[string][]string)
	fields := ent.Header.Fields()
	for fields.Next() {
		headers[fields.Key()] = append(headers[fields.Key()], fields.Value())
	}

	_, dispParams, _ := ent.Header.ContentDisposition()

	t.Parts = append(t.Parts, &task.MimePart{
		ContentType: mediaType,
		Content:     content,
		Filename:    dispParams["filename"],
		Headers:     headers,
	})

	switch {
	case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
		t.TextParts = append(t.TextParts, &task.TextPart{Content: content})
	case strings.HasPrefix(mediaType, "text/html"):
		text := html2text.HTML2Text(string(content))
		t.TextParts = append(t.TextParts, &task.TextPart{
			Content: []byte(text),
			IsHTML:  true,
		})
	}

	return nil
}

// scanTextParts extracts URL and address occurrences from the text parts.
func (p *Parser) scanTextParts(t *task.Task) {
	for _, tp := range t.TextParts {
		for _, u := range urlRe.FindAll(tp.Content, -1) {
			t.URLs[string(u)] = struct{}{}
		}
		for _, e := range emailRe.FindAll(tp.Content, -1) {
			t.Emails[strings.ToLower(string(e))] = struct{}{}
		}
	}
}

func fromMailAddresses(list []*mail.Address) []*mail.Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]*mail.Address, 0, len(list))
	out = append(out, list...)
	return out
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
