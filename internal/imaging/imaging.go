package imaging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Grade buckets image quality for retry tuning and fallback decisions.
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeFair      Grade = "fair"
	GradePoor      Grade = "poor"
)

const (
	// DefaultMaxImageBytes is the upload ceiling for receipt photos.
	DefaultMaxImageBytes = 10 * 1024 * 1024
	// minUsableBytes is the size below which a photo cannot plausibly hold
	// a readable receipt.
	minUsableBytes = 1024
)

// Validation is the outcome of checking that a file is usable at all.
// Errors make the file unusable; warnings are advisory.
type Validation struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Metadata describes the image payload. Width and height are zero when the
// analyzer does not decode pixels.
type Metadata struct {
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
}

// QualityAnalysis grades a photo before it is sent to the model.
type QualityAnalysis struct {
	Quality     Grade    `json:"quality"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

// PreprocessOptions bound the payload handed to the model.
type PreprocessOptions struct {
	MaxBytes int64
}

// Preprocessed is the model-ready payload.
type Preprocessed struct {
	Buffer   []byte
	Metadata Metadata
}

// Analyzer is the image collaborator for the recognition pipeline.
type Analyzer interface {
	Validate(path string) (*Validation, error)
	AnalyzeQuality(path string) (*QualityAnalysis, error)
	Preprocess(path string, opts PreprocessOptions) (*Preprocessed, error)
}

var supportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// MIMEType maps a file extension to its MIME type, defaulting to JPEG.
func MIMEType(path string) string {
	if mime, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return mime
	}
	return "image/jpeg"
}

// FileAnalyzer grades receipt photos from file metadata alone. It never
// decodes pixels, so width and height stay zero; the size and format carry
// enough signal to tune retries and catch hopeless uploads early.
type FileAnalyzer struct {
	maxBytes int64
}

func NewFileAnalyzer() *FileAnalyzer {
	return &FileAnalyzer{maxBytes: DefaultMaxImageBytes}
}

// WithMaxBytes overrides the upload ceiling.
func (a *FileAnalyzer) WithMaxBytes(n int64) *FileAnalyzer {
	a.maxBytes = n
	return a
}

func (a *FileAnalyzer) Validate(path string) (*Validation, error) {
	v := &Validation{}

	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		v.Errors = append(v.Errors, "image file does not exist")
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if fi.IsDir() {
		v.Errors = append(v.Errors, "path is a directory, not an image")
		return v, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := supportedExtensions[ext]; !ok {
		v.Errors = append(v.Errors, fmt.Sprintf("unsupported image format %q", ext))
	}
	if fi.Size() == 0 {
		v.Errors = append(v.Errors, "image file is empty")
	}
	if fi.Size() > a.maxBytes {
		v.Errors = append(v.Errors, fmt.Sprintf("image is %d bytes, limit is %d", fi.Size(), a.maxBytes))
	}
	if len(v.Errors) == 0 && fi.Size() < minUsableBytes {
		v.Warnings = append(v.Warnings, "image file is very small")
	}

	v.IsValid = len(v.Errors) == 0
	return v, nil
}

func (a *FileAnalyzer) AnalyzeQuality(path string) (*QualityAnalysis, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}

	qa := &QualityAnalysis{
		Metadata: Metadata{
			Format: MIMEType(path),
			Size:   fi.Size(),
		},
	}
	qa.Quality, qa.Score = gradeBySize(fi.Size())

	switch qa.Quality {
	case GradePoor:
		qa.Issues = append(qa.Issues, "image resolution is too low for reliable transcription")
		qa.Suggestions = append(qa.Suggestions, "retake the photo closer to the receipt in good lighting")
	case GradeFair:
		qa.Issues = append(qa.Issues, "image resolution is on the low side")
		qa.Suggestions = append(qa.Suggestions, "a sharper photo improves item detection")
	}
	if fi.Size() > a.maxBytes/2 {
		qa.Issues = append(qa.Issues, "image is unusually large")
		qa.Suggestions = append(qa.Suggestions, "crop the photo to just the receipt")
	}

	log.Debug().
		Str("path", filepath.Base(path)).
		Str("quality", string(qa.Quality)).
		Float64("score", qa.Score).
		Int64("size", fi.Size()).
		Msg("image quality analyzed")

	return qa, nil
}

// gradeBySize maps payload size to a quality grade. Phone photos of receipts
// land in the hundreds of kilobytes; tiny files are downscaled screenshots
// or thumbnails that transcribe badly.
func gradeBySize(size int64) (Grade, float64) {
	switch {
	case size < 20*1024:
		return GradePoor, 0.2
	case size < 100*1024:
		return GradeFair, 0.55
	case size < 300*1024:
		return GradeGood, 0.75
	default:
		return GradeExcellent, 0.9
	}
}

func (a *FileAnalyzer) Preprocess(path string, opts PreprocessOptions) (*Preprocessed, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = a.maxBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	// read one extra byte so oversized files are detected instead of
	// silently truncated
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("image exceeds maximum size of %d bytes", maxBytes)
	}

	return &Preprocessed{
		Buffer: data,
		Metadata: Metadata{
			Format: MIMEType(path),
			Size:   int64(len(data)),
		},
	}, nil
}
