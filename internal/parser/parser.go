// Package parser turns raw RFC 5322 messages received by the relay into
// email.Message values.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-send-lite/internal/email"
)

// headerDecoder decodes RFC 2047 encoded words in header values.
var headerDecoder = new(mime.WordDecoder)

// Parse parses a raw RFC 5322 email message. The text body is taken from a
// text/plain message or from the first text/plain part of a multipart
// message; any other part is skipped.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Message{
		From:      firstAddress(msg.Header.Get("From")),
		To:        joinAddresses(msg.Header.Get("To")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
	}
	if date, err := msg.Header.Date(); err == nil {
		result.Date = date
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		body, err := firstTextPart(msg.Body, boundary)
		if err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		result.Body = body
		return result, nil
	}

	if mediaType != "text/plain" {
		slog.Warn("unsupported top-level content type, keeping raw body",
			"content_type", mediaType,
		)
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	result.Body = string(body)

	return result, nil
}

// firstTextPart walks a multipart body, descending into nested multiparts,
// and returns the first text/plain part that is not an attachment.
func firstTextPart(body io.Reader, boundary string) (string, error) {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested, err := firstTextPart(part, params["boundary"])
			if err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
				continue
			}
			if nested != "" {
				return nested, nil
			}
			continue
		}

		if mediaType != "text/plain" || strings.HasPrefix(part.Header.Get("Content-Disposition"), "attachment") {
			slog.Debug("skipping MIME part", "content_type", mediaType)
			continue
		}

		// multipart.Reader already decodes quoted-printable parts and drops
		// the header, so only base64 is left to handle here.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content", "error", err)
			continue
		}
		return string(content), nil
	}
}

// decodeBody reads a body, undoing its Content-Transfer-Encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	switch encoding {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	default:
		// "7bit", "8bit", "binary" or empty
		return io.ReadAll(r)
	}
}

// firstAddress returns the bare address of the first entry in an address
// header, or the trimmed raw value when it does not parse.
func firstAddress(raw string) string {
	addresses := parseAddressList(raw)
	if len(addresses) == 0 {
		return ""
	}
	return addresses[0]
}

// joinAddresses returns the bare addresses of an address header joined by ", ".
func joinAddresses(raw string) string {
	return strings.Join(parseAddressList(raw), ", ")
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

// decodeHeader decodes RFC 2047 encoded words, returning the raw value when
// decoding fails.
func decodeHeader(raw string) string {
	decoded, err := headerDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}
