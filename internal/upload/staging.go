// Package upload turns local files into uploaded attachment descriptors and
// holds them until the next message is sent.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/restapi"
)

// Provider signs and performs uploads. *restapi.Client implements it.
type Provider interface {
	SignUpload(ctx context.Context, r restapi.SignRequest) (restapi.UploadSignature, error)
	Upload(ctx context.Context, sig restapi.UploadSignature, path, contentType string) (restapi.UploadResult, error)
}

// Policy mirrors the upload provider's acceptance rules.
type Policy struct {
	MaxFileSize int64
	// AllowedTypes holds MIME prefixes such as "image/" or exact types such
	// as "application/pdf". Empty allows everything.
	AllowedTypes []string
	MaxPending   int
	Concurrency  int
}

// DefaultPolicy matches the provider's published limits.
var DefaultPolicy = Policy{
	MaxFileSize:  25 << 20,
	AllowedTypes: []string{"image/", "video/", "audio/", "application/pdf", "text/plain"},
	MaxPending:   10,
	Concurrency:  3,
}

// FileError is the failure of one file in a batch.
type FileError struct {
	Index int
	Name  string
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Staged is the payload of upload.staged.
type Staged struct {
	Added   []model.Attachment `json:"added"`
	Pending int                `json:"pending"`
}

// Failure is the payload of upload.failed.
type Failure struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Staging holds uploaded attachments that no message references yet. Every
// Clear starts a new generation; uploads started under an earlier one are
// dropped when they finish.
type Staging struct {
	policy   Policy
	provider Provider
	bus      *bus.Bus
	logger   *zap.Logger
	// OnResult, when set, observes the outcome of every file upload.
	OnResult func(ok bool)

	mu      sync.Mutex
	pending []model.Attachment
	gen     uint64
}

// NewStaging creates an empty staging area.
func NewStaging(policy Policy, provider Provider, b *bus.Bus, logger *zap.Logger) *Staging {
	if policy.Concurrency <= 0 {
		policy.Concurrency = DefaultPolicy.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Staging{policy: policy, provider: provider, bus: b, logger: logger}
}

// Add uploads paths concurrently and stages every success in input order.
// Failed files are reported together as an UPLOAD_FAILED error whose cause
// joins one *FileError per file; they never discard their siblings. If the
// staging area is cleared while the uploads run, their results are dropped.
func (s *Staging) Add(ctx context.Context, paths []string) ([]model.Attachment, error) {
	if len(paths) == 0 {
		return nil, apperr.Validation("no files selected")
	}
	s.mu.Lock()
	gen := s.gen
	room := s.roomLocked()
	s.mu.Unlock()
	if len(paths) > room {
		return nil, apperr.Newf(apperr.CodeValidation, "at most %d attachments per message", s.policy.MaxPending)
	}

	results := make([]model.Attachment, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(s.policy.Concurrency)
	for i, p := range paths {
		g.Go(func() error {
			att, err := s.uploadOne(ctx, p)
			if err != nil {
				errs[i] = &FileError{Index: i, Name: filepath.Base(p), Err: err}
			} else {
				results[i] = att
			}
			if s.OnResult != nil {
				s.OnResult(err == nil)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("dropping uploads for a cleared staging area", zap.Int("files", len(paths)))
		return nil, nil
	}
	// Concurrent batches may have used up the room in the meantime.
	room = s.roomLocked()
	var added []model.Attachment
	var failed []error
	for i := range paths {
		switch {
		case errs[i] != nil:
			failed = append(failed, errs[i])
		case len(added) >= room:
			failed = append(failed, &FileError{Index: i, Name: filepath.Base(paths[i]),
				Err: apperr.Newf(apperr.CodeValidation, "at most %d attachments per message", s.policy.MaxPending)})
		default:
			added = append(added, results[i])
		}
	}
	s.pending = append(s.pending, added...)
	pending := len(s.pending)
	s.mu.Unlock()

	if len(added) > 0 {
		s.bus.Emit(bus.UploadStaged, Staged{Added: added, Pending: pending})
	}
	for _, err := range failed {
		var fe *FileError
		errors.As(err, &fe)
		s.logger.Warn("upload failed", zap.String("file", fe.Name), zap.Error(fe.Err))
		s.bus.Emit(bus.UploadFailed, Failure{Index: fe.Index, Name: fe.Name, Reason: fe.Err.Error()})
	}

	if len(failed) > 0 {
		return added, apperr.Wrap(apperr.CodeUploadFailed,
			fmt.Sprintf("%d of %d uploads failed", len(failed), len(paths)),
			errors.Join(failed...))
	}
	return added, nil
}

func (s *Staging) uploadOne(ctx context.Context, path string) (model.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Attachment{}, err
	}
	if info.IsDir() {
		return model.Attachment{}, apperr.Validation("directories cannot be attached")
	}
	if info.Size() == 0 {
		return model.Attachment{}, apperr.Validation("file is empty")
	}
	if s.policy.MaxFileSize > 0 && info.Size() > s.policy.MaxFileSize {
		return model.Attachment{}, apperr.Newf(apperr.CodeValidation, "file exceeds %d bytes", s.policy.MaxFileSize)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("detect type: %w", err)
	}
	fileType, _, _ := strings.Cut(mt.String(), ";")
	if !s.allowed(fileType) {
		return model.Attachment{}, apperr.Newf(apperr.CodeValidation, "file type %s is not allowed", fileType)
	}

	att := model.Attachment{
		FileName: filepath.Base(path),
		FileType: fileType,
		FileSize: info.Size(),
	}
	if strings.HasPrefix(fileType, "image/") {
		if w, h, err := imageSize(path); err == nil {
			att.Width, att.Height = w, h
		}
	}

	sig, err := s.provider.SignUpload(ctx, restapi.SignRequest{
		FileName: att.FileName,
		FileType: att.FileType,
		FileSize: att.FileSize,
	})
	if err != nil {
		return model.Attachment{}, err
	}
	res, err := s.provider.Upload(ctx, sig, path, fileType)
	if err != nil {
		return model.Attachment{}, err
	}

	att.FileURL = res.FileURL
	att.ThumbnailURL = res.ThumbnailURL
	att.ProviderRef = res.ProviderRef
	if att.ProviderRef == "" {
		att.ProviderRef = sig.ProviderRef
	}
	if att.Width == 0 && res.Width > 0 {
		att.Width, att.Height = res.Width, res.Height
	}
	att.Duration = res.Duration
	return att, nil
}

func (s *Staging) allowed(fileType string) bool {
	if len(s.policy.AllowedTypes) == 0 {
		return true
	}
	for _, t := range s.policy.AllowedTypes {
		if strings.HasSuffix(t, "/") && strings.HasPrefix(fileType, t) {
			return true
		}
		if t == fileType {
			return true
		}
	}
	return false
}

// Remove discards the pending attachment at index.
func (s *Staging) Remove(index int) (model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pending) {
		return model.Attachment{}, apperr.ErrAttachmentIndex
	}
	att := s.pending[index]
	s.pending = append(s.pending[:index], s.pending[index+1:]...)
	return att, nil
}

// Pending returns a copy of the staged attachments.
func (s *Staging) Pending() []model.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Attachment(nil), s.pending...)
}

// Take empties the staging area for a message and returns the items it can
// reference; items missing a URL, provider reference or MIME type are
// discarded. Uploads that land afterwards stay staged for the next message.
// The returned generation lets the items be restored if the send is refused.
func (s *Staging) Take() ([]model.Attachment, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Attachment, 0, len(s.pending))
	for _, a := range s.pending {
		if a.Complete() {
			out = append(out, a)
		}
	}
	s.pending = nil
	return out, s.gen
}

// Restore puts taken items back in front of anything staged since, unless
// the area was cleared in between.
func (s *Staging) Restore(gen uint64, items []model.Attachment) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.pending = append(append([]model.Attachment(nil), items...), s.pending...)
}

// Clear empties the staging area and drops the results of uploads still in
// flight.
func (s *Staging) Clear() {
	s.mu.Lock()
	s.pending = nil
	s.gen++
	s.mu.Unlock()
}

func (s *Staging) roomLocked() int {
	if s.policy.MaxPending <= 0 {
		return int(^uint(0) >> 1)
	}
	return s.policy.MaxPending - len(s.pending)
}
