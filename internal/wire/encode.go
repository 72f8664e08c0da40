package wire

import (
	"encoding/json"
	"fmt"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// EncodeLine renders a record as one wire line, including the newline.
func EncodeLine(eventType, content string, metadata map[string]any) (string, error) {
	rec := model.WireRecord{
		Type: eventType,
		Data: model.WireData{Content: content, Metadata: metadata},
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return Prefix + " " + string(b) + "\n", nil
}

// DoneLine is the termination line.
func DoneLine() string {
	return Prefix + " " + Sentinel + "\n"
}
