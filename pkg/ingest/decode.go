package ingest

import (
	"errors"
	"fmt"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/models"
)

// ErrUnknownKind marks a stream entry field that names no known message kind
var ErrUnknownKind = errors.New("unknown message kind")

// Decode decodes the payload of one stream entry field into its typed message
func Decode(c codec.Codec, kind string, raw []byte) (models.IngestPayload, error) {
	var msg models.IngestPayload
	switch kind {
	case models.KindScanStatus:
		msg = &models.ScanStatus{}
	case models.KindScanHistory:
		msg = &models.ScanHistory{}
	case models.KindAccount:
		msg = &models.AccountUpdate{}
	case models.KindMessagingService:
		msg = &models.MessagingServiceMessage{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err := c.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return msg, nil
}
