// ABOUTME: File attachment service: initiate, tokened upload, stub scan, fetch
// ABOUTME: Blobs land on local disk standing in for the object store

package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/msgstore"
)

var (
	// ErrValidation rejects malformed upload declarations.
	ErrValidation = errors.New("files: validation failed")
	// ErrInvalidToken means the upload token is missing, expired, signed
	// wrong, or for a different file. Handlers map this to 401.
	ErrInvalidToken = errors.New("files: invalid upload token")
	// ErrNotPending means the file already has a terminal verdict.
	ErrNotPending = errors.New("files: file is not awaiting upload")
	// ErrSizeMismatch means the uploaded body did not match the declared size.
	ErrSizeMismatch = errors.New("files: uploaded size does not match declared size")
)

// Config carries the service knobs, lifted from the files section of the
// gateway configuration.
type Config struct {
	Dir         string
	BaseURL     string
	TokenSecret string
	TokenTTL    time.Duration
	Retention   time.Duration
}

// Service owns attachment metadata and blob storage.
type Service struct {
	store  msgstore.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store msgstore.Store, cfg Config) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "files"),
		now:    time.Now,
	}
}

// InitiateRequest declares an upload before any bytes move.
type InitiateRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"fileSize"`
	MIMEType string `json:"mimeType"`
}

// InitiateResult carries the upload coordinates back to the caller.
type InitiateResult struct {
	File      *chat.File `json:"file"`
	UploadURL string     `json:"uploadUrl"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// Initiate validates the declaration, persists PENDING metadata, and mints
// the tokened upload URL.
func (s *Service) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	if err := chat.ValidateFileSize(req.Size); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	name := sanitizeFilename(req.Filename)
	if name == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}

	now := s.now().UTC()
	id := uuid.NewString()
	f := &chat.File{
		ID:          id,
		Filename:    name,
		Size:        req.Size,
		MIMEType:    req.MIMEType,
		StorageKey:  storageKey(id, name),
		ScanVerdict: chat.VerdictPending,
		ExpiresAt:   now.Add(s.cfg.Retention),
		CreatedAt:   now,
	}
	if err := s.store.PutFile(ctx, f); err != nil {
		return nil, fmt.Errorf("persist file metadata: %w", err)
	}

	token, err := s.mintToken(id, now)
	if err != nil {
		return nil, fmt.Errorf("mint upload token: %w", err)
	}
	tokenExpiry := now.Add(s.cfg.TokenTTL)

	s.logger.Info("upload initiated", "file_id", id, "filename", name, "size", req.Size)
	return &InitiateResult{
		File:      f,
		UploadURL: fmt.Sprintf("%s/files/%s/content?token=%s", strings.TrimRight(s.cfg.BaseURL, "/"), id, url.QueryEscape(token)),
		ExpiresAt: tokenExpiry,
	}, nil
}

// Get returns file metadata including the current verdict.
func (s *Service) Get(ctx context.Context, id string) (*chat.File, error) {
	return s.store.GetFile(ctx, id)
}

// Upload validates the token, writes the blob, and runs the stub scan.
// The body is bounded by the declared size; short or long bodies fail.
func (s *Service) Upload(ctx context.Context, fileID, token string, body io.Reader) (*chat.File, error) {
	if err := s.checkToken(fileID, token); err != nil {
		return nil, err
	}

	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.ScanVerdict != chat.VerdictPending {
		return nil, ErrNotPending
	}

	written, err := s.writeBlob(f.StorageKey, body, f.Size)
	if err != nil {
		return nil, err
	}
	if written != f.Size {
		s.removeBlob(f.StorageKey)
		return nil, ErrSizeMismatch
	}

	verdict := Scan(f.Filename, f.MIMEType)
	if err := s.store.SetFileVerdict(ctx, fileID, verdict); err != nil {
		return nil, fmt.Errorf("record scan verdict: %w", err)
	}
	if verdict == chat.VerdictRejected {
		s.removeBlob(f.StorageKey)
		s.logger.Warn("upload rejected by scan", "file_id", fileID, "mime_type", f.MIMEType)
	} else {
		s.logger.Info("upload complete", "file_id", fileID, "size", written)
	}

	f.ScanVerdict = verdict
	return f, nil
}

// StoreInbound persists a platform-downloaded attachment in one step:
// metadata, blob, scan. Used by the webhook path.
func (s *Service) StoreInbound(ctx context.Context, filename, mimeType string, body io.Reader) (*chat.File, error) {
	now := s.now().UTC()
	id := uuid.NewString()
	name := sanitizeFilename(filename)
	if name == "" {
		name = id
	}

	key := storageKey(id, name)
	written, err := s.writeBlob(key, body, chat.MaxFileSize)
	if err != nil {
		return nil, err
	}
	if written == 0 {
		s.removeBlob(key)
		return nil, fmt.Errorf("inbound attachment was empty")
	}

	f := &chat.File{
		ID:          id,
		Filename:    name,
		Size:        written,
		MIMEType:    mimeType,
		StorageKey:  key,
		ScanVerdict: chat.VerdictPending,
		ExpiresAt:   now.Add(s.cfg.Retention),
		CreatedAt:   now,
	}
	if err := s.store.PutFile(ctx, f); err != nil {
		s.removeBlob(key)
		return nil, fmt.Errorf("persist file metadata: %w", err)
	}

	verdict := Scan(name, mimeType)
	if err := s.store.SetFileVerdict(ctx, id, verdict); err != nil {
		return nil, fmt.Errorf("record scan verdict: %w", err)
	}
	f.ScanVerdict = verdict
	s.logger.Info("inbound attachment stored", "file_id", id, "filename", name, "verdict", verdict)
	return f, nil
}

// Open returns the stored blob for a CLEAN, unexpired file.
func (s *Service) Open(ctx context.Context, id string) (*chat.File, io.ReadCloser, error) {
	f, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !f.Referenceable(s.now()) {
		return nil, nil, msgstore.ErrNotFound
	}
	rc, err := os.Open(filepath.Join(s.cfg.Dir, filepath.FromSlash(f.StorageKey)))
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return f, rc, nil
}

func (s *Service) mintToken(fileID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   fileID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.TokenSecret))
}

func (s *Service) checkToken(fileID, raw string) error {
	if raw == "" {
		return ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.TokenSecret), nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !tok.Valid {
		return ErrInvalidToken
	}
	if claims.Subject != fileID {
		return ErrInvalidToken
	}
	return nil
}

// writeBlob streams body to disk under the storage key, refusing anything
// past limit. Returns the byte count written.
func (s *Service) writeBlob(key string, body io.Reader, limit int64) (int64, error) {
	full := filepath.Join(s.cfg.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}
	out, err := os.Create(full)
	if err != nil {
		return 0, fmt.Errorf("create blob: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(body, limit+1))
	if err != nil {
		s.removeBlob(key)
		return 0, fmt.Errorf("write blob: %w", err)
	}
	if written > limit {
		s.removeBlob(key)
		return 0, ErrSizeMismatch
	}
	return written, nil
}

func (s *Service) removeBlob(key string) {
	if err := os.Remove(filepath.Join(s.cfg.Dir, filepath.FromSlash(key))); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove blob", "key", key, "error", err)
	}
}

// storageKey shards blobs by id prefix so no directory grows unbounded.
func storageKey(id, name string) string {
	return path.Join(id[:2], id, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return ""
	}
	return name
}
