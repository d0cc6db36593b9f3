package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Level is a semantic granularity of the cache
type Level string

const (
	LevelRawText      Level = "raw-text"
	LevelOCRText      Level = "ocr-extracted-text"
	LevelPartial      Level = "partial-segment"
	LevelFullDocument Level = "full-document"
)

// Levels lists every cache level
var Levels = []Level{LevelRawText, LevelOCRText, LevelPartial, LevelFullDocument}

// Key is a cache key: a level plus the hash of normalized content
type Key struct {
	Level Level
	Hash  string
}

// String renders the key as stored
func (k Key) String() string {
	return string(k.Level) + ":" + k.Hash
}

// KeyFor derives the key of content at level
func KeyFor(level Level, content string) Key {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return Key{Level: level, Hash: hex.EncodeToString(sum[:])}
}

// Normalize collapses whitespace runs to a single space and trims,
// preserving case.
func Normalize(content string) string {
	return strings.Join(strings.Fields(content), " ")
}
