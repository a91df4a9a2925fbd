// Package artifact decomposes storage filenames into their coordinates.
//
// Generated artifacts are stored as
//
//	{model_slug}_{attempt}_{document_key}[_raw|_feedback].{ext}
//
// Model slugs never contain underscores, so the first two segments are fixed
// and everything after them is the document key plus an optional kind suffix.
// Document keys may not end in a kind suffix themselves.
// Matching on the decomposed key keeps keys that share a prefix (header_context
// and header_context_pairwise) apart.
package artifact

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"stagegraph.app/planner/common"
)

var (
	ErrUnparseableFileName = errors.New("unparseable artifact filename")
	ErrReservedKeySuffix   = errors.New("document key ends in a reserved suffix")
)

type FileKind string

const (
	FileKindDocument FileKind = "document"
	FileKindRaw      FileKind = "raw"
	FileKindFeedback FileKind = "feedback"
)

const (
	rawSuffix      = "_raw"
	feedbackSuffix = "_feedback"
)

type FileName struct {
	ModelSlug   string
	Attempt     int
	DocumentKey string
	Kind        FileKind
	Ext         string
}

// Build renders the canonical filename.
func (f FileName) Build() string {
	var b strings.Builder
	b.WriteString(f.ModelSlug)
	b.WriteByte('_')
	b.WriteString(strconv.Itoa(f.Attempt))
	b.WriteByte('_')
	b.WriteString(f.DocumentKey)
	switch f.Kind {
	case FileKindRaw:
		b.WriteString(rawSuffix)
	case FileKindFeedback:
		b.WriteString(feedbackSuffix)
	}
	if f.Ext != "" {
		b.WriteByte('.')
		b.WriteString(f.Ext)
	}
	return b.String()
}

// New builds a filename for a model's output. The model name is slugified.
func New(modelName string, attempt int, documentKey string, kind FileKind, ext string) (FileName, error) {
	slug, err := common.Slugify(modelName, "model")
	if err != nil {
		return FileName{}, err
	}
	if documentKey == "" {
		return FileName{}, fmt.Errorf("%w: empty document key", ErrUnparseableFileName)
	}
	if err := ValidateDocumentKey(documentKey); err != nil {
		return FileName{}, err
	}
	return FileName{ModelSlug: slug, Attempt: attempt, DocumentKey: documentKey, Kind: kind, Ext: ext}, nil
}

// ValidateDocumentKey rejects keys that would be read back as the raw or
// feedback companion of a shorter key.
func ValidateDocumentKey(key string) error {
	for _, suffix := range []string{rawSuffix, feedbackSuffix} {
		if strings.HasSuffix(key, suffix) {
			return fmt.Errorf("%w: %q ends in %s", ErrReservedKeySuffix, key, suffix)
		}
	}
	return nil
}

// ParseFileName decomposes a stored filename. Directory components are ignored.
func ParseFileName(name string) (FileName, error) {
	base := path.Base(name)
	ext := strings.TrimPrefix(path.Ext(base), ".")
	stem := strings.TrimSuffix(base, path.Ext(base))

	modelSlug, rest, ok := strings.Cut(stem, "_")
	if !ok || !common.IsSlug(modelSlug) {
		return FileName{}, fmt.Errorf("%w: %q", ErrUnparseableFileName, name)
	}
	attemptStr, key, ok := strings.Cut(rest, "_")
	if !ok {
		return FileName{}, fmt.Errorf("%w: %q", ErrUnparseableFileName, name)
	}
	attempt, err := strconv.Atoi(attemptStr)
	if err != nil || attempt < 0 {
		return FileName{}, fmt.Errorf("%w: %q has no attempt number", ErrUnparseableFileName, name)
	}

	kind := FileKindDocument
	switch {
	case strings.HasSuffix(key, feedbackSuffix):
		kind = FileKindFeedback
		key = strings.TrimSuffix(key, feedbackSuffix)
	case strings.HasSuffix(key, rawSuffix):
		kind = FileKindRaw
		key = strings.TrimSuffix(key, rawSuffix)
	}
	if key == "" {
		return FileName{}, fmt.Errorf("%w: %q has no document key", ErrUnparseableFileName, name)
	}

	return FileName{
		ModelSlug:   modelSlug,
		Attempt:     attempt,
		DocumentKey: key,
		Kind:        kind,
		Ext:         ext,
	}, nil
}

// DocumentKeyOf returns the exact document key encoded in a filename, or ""
// when the name does not follow the artifact convention.
func DocumentKeyOf(name string) string {
	f, err := ParseFileName(name)
	if err != nil {
		return ""
	}
	return f.DocumentKey
}

// KindOf returns the artifact kind encoded in a filename, or "" when the name
// does not follow the artifact convention.
func KindOf(name string) FileKind {
	f, err := ParseFileName(name)
	if err != nil {
		return ""
	}
	return f.Kind
}

// BaseName is the filename stem shared by a document and its feedback: model,
// attempt and document key with kind suffix and extension removed.
func BaseName(name string) (string, bool) {
	f, err := ParseFileName(name)
	if err != nil {
		return "", false
	}
	f.Kind = FileKindDocument
	f.Ext = ""
	return f.Build(), true
}

// ProjectRootPath is the storage path of project-level artifacts such as the
// initial user prompt.
func ProjectRootPath(projectID string) string {
	return projectID
}

// IsProjectRoot reports whether a storage path is the project root.
func IsProjectRoot(storagePath, projectID string) bool {
	return strings.Trim(storagePath, "/") == ProjectRootPath(projectID)
}

// StagePath is the storage path of everything generated for one stage of one
// session iteration.
func StagePath(projectID, sessionID string, iteration int, stageSlug string) string {
	return path.Join(ProjectRootPath(projectID), "session_"+sessionID, "iteration_"+strconv.Itoa(iteration), stageSlug)
}

// RenderedPath holds the rendered documents of a stage.
func RenderedPath(projectID, sessionID string, iteration int, stageSlug string) string {
	return path.Join(StagePath(projectID, sessionID, iteration, stageSlug), "documents")
}
