package whatsapp

import "fmt"

// Message is one outbound template message
type Message struct {
	To       string
	Template string
	Language string
	// Params fill the template body. Numeric keys ("1", "2") are positional,
	// any other key is sent as a named parameter.
	Params map[string]string
}

// SendResult is the provider's acceptance of a message
type SendResult struct {
	MessageID string `json:"message_id"`
}

// APIError is an error payload returned by the Cloud API
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	TraceID    string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("whatsapp API error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("whatsapp API error (HTTP %d): %s", e.StatusCode, e.Message)
}

type sendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	Parameters []parameter `json:"parameters"`
}

type parameter struct {
	Type          string `json:"type"`
	Text          string `json:"text"`
	ParameterName string `json:"parameter_name,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}
