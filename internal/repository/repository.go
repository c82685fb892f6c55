// Package repository ingests a local directory tree one file at a time.
//
// Files are filtered by ignore files found at the root (.ragignore,
// .gitignore), explicit include and exclude globs, a size limit and the
// formats the parser understands. Every remaining file is handed to a
// Submitter; a file that fails to submit is recorded and the walk goes on.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ignore"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/parser"
)

// DefaultMaxFileSize is applied when IndexOptions.MaxFileSize is zero.
const DefaultMaxFileSize = 20 << 20

// Submitter accepts one file for ingestion and returns its document ID.
type Submitter interface {
	Submit(ctx context.Context, tenantID, fileName string, data []byte) (string, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, tenantID, fileName string, data []byte) (string, error)

func (f SubmitterFunc) Submit(ctx context.Context, tenantID, fileName string, data []byte) (string, error) {
	return f(ctx, tenantID, fileName, data)
}

// IndexOptions configures a directory walk.
type IndexOptions struct {
	TenantID string

	// IncludePatterns restrict the walk to matching files when non-empty.
	IncludePatterns []string

	// ExcludePatterns are added to the patterns read from ignore files.
	ExcludePatterns []string

	MaxFileSize int64
}

// SubmittedFile pairs a relative path with the document created for it.
type SubmittedFile struct {
	Path       string `json:"path"`
	DocumentID string `json:"document_id"`
}

// FailedFile records a file that could not be read or submitted.
type FailedFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// IndexResult summarizes a walk.
type IndexResult struct {
	Path      string          `json:"path"`
	Submitted []SubmittedFile `json:"submitted"`
	Skipped   int             `json:"skipped"`
	Failed    []FailedFile    `json:"failed"`
}

// Service walks directories and submits their files.
type Service struct {
	submitter Submitter
	ignore    *ignore.Parser
	logger    *logging.Logger
}

// NewService creates a Service. A nil logger discards output.
func NewService(submitter Submitter, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		submitter: submitter,
		ignore:    ignore.NewParser(ignore.DefaultFiles, ignore.DefaultPatterns),
		logger:    logger.Named("repository"),
	}
}

// Index walks root and submits every eligible file for opts.TenantID.
// Only context cancellation and an unreadable root abort the walk.
func (s *Service) Index(ctx context.Context, root string, opts IndexOptions) (*IndexResult, error) {
	cleanRoot, err := validateRoot(root)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	if opts.TenantID == "" {
		return nil, errors.New("tenant ID is required")
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	patterns, err := s.ignore.Parse(cleanRoot)
	if err != nil {
		return nil, err
	}
	exclude, err := ignore.NewMatcher(append(patterns, opts.ExcludePatterns...))
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	var include *ignore.Matcher
	if len(opts.IncludePatterns) > 0 {
		if include, err = ignore.NewMatcher(opts.IncludePatterns); err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
	}

	result := &IndexResult{Path: cleanRoot, Submitted: []SubmittedFile{}, Failed: []FailedFile{}}
	err = filepath.WalkDir(cleanRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(cleanRoot, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		if walkErr != nil {
			if rel == "." {
				return walkErr
			}
			result.Failed = append(result.Failed, FailedFile{Path: rel, Error: walkErr.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if exclude.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.eligible(rel, d, opts, exclude, include) {
			result.Skipped++
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			result.Failed = append(result.Failed, FailedFile{Path: rel, Error: err.Error()})
			return nil
		}
		id, err := s.submitter.Submit(ctx, opts.TenantID, rel, data)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn(ctx, "file submission failed", zap.String("path", rel), zap.Error(err))
			result.Failed = append(result.Failed, FailedFile{Path: rel, Error: err.Error()})
			return nil
		}
		s.logger.Debug(ctx, "file submitted", zap.String("path", rel), logging.DocumentID(id))
		result.Submitted = append(result.Submitted, SubmittedFile{Path: rel, DocumentID: id})
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walking %s: %w", cleanRoot, err)
	}

	s.logger.Info(ctx, "directory indexed",
		logging.TenantID(opts.TenantID),
		zap.String("path", cleanRoot),
		zap.Int("submitted", len(result.Submitted)),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

func (s *Service) eligible(rel string, d fs.DirEntry, opts IndexOptions, exclude, include *ignore.Matcher) bool {
	if exclude.Match(rel, false) {
		return false
	}
	if include != nil && !include.Match(rel, false) {
		return false
	}
	if _, err := parser.Resolve("", rel); err != nil {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	return info.Size() > 0 && info.Size() <= opts.MaxFileSize
}

func validateRoot(root string) (string, error) {
	if root == "" {
		return "", errors.New("path cannot be empty")
	}
	clean := filepath.Clean(root)
	info, err := os.Stat(clean)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path must be a directory: %s", clean)
	}
	return clean, nil
}
