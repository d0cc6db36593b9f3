package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/api/storage"
)

// DecodeBatchCursor parses a page cursor; an empty string means the first page
func DecodeBatchCursor(cursorStr string) (*storage.BatchCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	createdPart, batchID, ok := strings.Cut(string(decoded), "|")
	if !ok || batchID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(createdPart, "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.BatchCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		BatchID:   batchID,
	}, nil
}

func EncodeBatchCursor(cursor *storage.BatchCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.BatchID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
