package protocol

import (
	"encoding/json"
	"fmt"
)

// Attachment describes a file attached to a message. Bytes live in the
// object store; the message row only carries this metadata, serialized as
// a JSON array in the attachments column.
type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size"`
	Ref       string `json:"ref"` // object store pointer
}

// EncodeAttachments serializes attachments for the messages.attachments
// column. A nil or empty slice encodes as "[]".
func EncodeAttachments(atts []Attachment) (string, error) {
	if len(atts) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(data), nil
}

// DecodeAttachments parses the attachments column. An empty string is
// treated as no attachments.
func DecodeAttachments(raw string) ([]Attachment, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	return atts, nil
}
