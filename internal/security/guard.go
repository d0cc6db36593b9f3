package security

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// Limits holds the upload validation thresholds
type Limits struct {
	MaxFileSize           int64
	MaxArchiveFiles       int
	MaxExtractSize        int64
	CompressionRatioLimit float64
}

// Upload is a raw file as received at the request boundary
type Upload struct {
	Filename string
	// Size is the declared size; zero means len(Data)
	Size int64
	Data []byte
}

// Validated is an upload that passed every check. Archive is set for zip
// uploads, Kind for single files.
type Validated struct {
	Upload
	Kind    domain.Kind
	Archive *zip.Reader

	DeclaredFileCount        int
	DeclaredUncompressedSize int64
}

// IsArchive reports whether the validated upload is a container
func (v *Validated) IsArchive() bool {
	return v.Archive != nil
}

// Guard validates uploads before any expansion happens
type Guard struct {
	limits Limits
	exts   domain.ExtensionSet
	logger *slog.Logger
}

// NewGuard creates a Guard
func NewGuard(limits Limits, exts domain.ExtensionSet, logger *slog.Logger) *Guard {
	return &Guard{
		limits: limits,
		exts:   exts,
		logger: logger.With(slog.String("component", "security_guard")),
	}
}

// Validate runs the checks in order and returns the first failure as a
// *domain.ValidationError. It never decompresses archive entries.
func (g *Guard) Validate(upload Upload) (*Validated, error) {
	v, err := g.validate(upload)
	if err != nil {
		g.logger.Warn("Upload rejected",
			slog.String("filename", upload.Filename),
			slog.Any("error", err),
		)
		return nil, err
	}
	return v, nil
}

func (g *Guard) validate(upload Upload) (*Validated, error) {
	size := upload.Size
	if size == 0 {
		size = int64(len(upload.Data))
	}
	if size > g.limits.MaxFileSize || int64(len(upload.Data)) > g.limits.MaxFileSize {
		return nil, domain.NewValidationError(domain.CodeFileTooLarge,
			"%d bytes exceeds limit of %d", size, g.limits.MaxFileSize)
	}

	if g.exts.IsArchive(upload.Filename) {
		if !sniffed(upload.Data, "application/zip") {
			return nil, domain.NewValidationError(domain.CodeUnsupportedType,
				"%s is not a zip archive", upload.Filename)
		}
		return g.validateArchive(upload)
	}

	kind, ok := domain.KindForName(upload.Filename, g.exts)
	if !ok {
		return nil, domain.NewValidationError(domain.CodeUnsupportedType,
			"extension of %q is not allowed", upload.Filename)
	}
	if !contentMatches(kind, upload.Data) {
		return nil, domain.NewValidationError(domain.CodeUnsupportedType,
			"content of %q does not match its extension (detected %s)",
			upload.Filename, mimetype.Detect(upload.Data).String())
	}

	return &Validated{Upload: upload, Kind: kind}, nil
}

func (g *Guard) validateArchive(upload Upload) (*Validated, error) {
	zr, err := zip.NewReader(bytes.NewReader(upload.Data), int64(len(upload.Data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, domain.NewValidationError(domain.CodeUnsafePath, "%v", err)
	}
	if err != nil {
		return nil, domain.NewValidationError(domain.CodeArchiveCorrupted,
			"unreadable archive: %v", err)
	}

	var (
		count int
		total uint64
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if ratioExceeded(f.UncompressedSize64, f.CompressedSize64, g.limits.CompressionRatioLimit) {
			return nil, domain.NewValidationError(domain.CodeArchiveBombSuspected,
				"entry %q expands %d -> %d bytes", f.Name, f.CompressedSize64, f.UncompressedSize64)
		}
		count++
		total += f.UncompressedSize64
	}

	if ratioExceeded(total, uint64(len(upload.Data)), g.limits.CompressionRatioLimit) {
		return nil, domain.NewValidationError(domain.CodeArchiveBombSuspected,
			"archive expands %d -> %d bytes", len(upload.Data), total)
	}

	if count > g.limits.MaxArchiveFiles {
		return nil, domain.NewValidationError(domain.CodeTooManyFiles,
			"%d entries exceeds limit of %d", count, g.limits.MaxArchiveFiles)
	}

	if total > uint64(g.limits.MaxExtractSize) {
		return nil, domain.NewValidationError(domain.CodeExtractSizeExceeded,
			"%d bytes uncompressed exceeds limit of %d", total, g.limits.MaxExtractSize)
	}

	for _, f := range zr.File {
		if UnsafePath(f.Name) {
			return nil, domain.NewValidationError(domain.CodeUnsafePath,
				"entry %q", f.Name)
		}
	}

	return &Validated{
		Upload:                   upload,
		Archive:                  zr,
		DeclaredFileCount:        count,
		DeclaredUncompressedSize: int64(total),
	}, nil
}

// UnsafePath reports whether an archive entry name could escape the
// extraction root.
func UnsafePath(name string) bool {
	if name == "" || strings.ContainsRune(name, 0) {
		return true
	}

	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return true
	}
	if len(normalized) >= 2 && normalized[1] == ':' && isLetter(normalized[0]) {
		return true
	}

	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return true
		}
	}

	return path.IsAbs(normalized)
}

func ratioExceeded(uncompressed, compressed uint64, limit float64) bool {
	if uncompressed == 0 {
		return false
	}
	if compressed == 0 {
		return true
	}
	return float64(uncompressed)/float64(compressed) > limit
}

func contentMatches(kind domain.Kind, data []byte) bool {
	switch kind {
	case domain.KindImage:
		return sniffed(data, "image/")
	case domain.KindHTML, domain.KindText:
		return sniffed(data, "text/")
	}
	return false
}

// sniffed reports whether the detected type, or one of its parents, has
// the given MIME prefix.
func sniffed(data []byte, prefix string) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), prefix) {
			return true
		}
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// String renders limits for startup logging
func (l Limits) String() string {
	return fmt.Sprintf("max_file_size=%d max_archive_files=%d max_extract_size=%d ratio=%.0f",
		l.MaxFileSize, l.MaxArchiveFiles, l.MaxExtractSize, l.CompressionRatioLimit)
}
