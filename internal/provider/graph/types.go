// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"github.com/shineum/smtp-send-lite/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject           string      `json:"subject"`
	Body              messageBody `json:"body"`
	ToRecipients      []recipient `json:"toRecipients"`
	InternetMessageID string      `json:"internetMessageId,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts an email.Message into a Graph API sendMail
// request body with a single text body and recipient.
func buildSendMailRequest(msg *email.Message) *sendMailRequest {
	return &sendMailRequest{
		Message: sendMailMessage{
			Subject: msg.Subject,
			Body: messageBody{
				ContentType: "text",
				Content:     msg.Body,
			},
			ToRecipients: []recipient{
				{EmailAddress: emailAddress{Address: msg.ToAddress()}},
			},
			InternetMessageID: msg.MessageID,
		},
		SaveToSentItems: true,
	}
}
