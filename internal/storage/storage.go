package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnavailable = errors.New("storage unavailable")
	ErrInvalidKey  = errors.New("invalid storage key")
)

// Error describes a failed storage operation on a specific backend and key.
type Error struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s on %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Backend stores opaque bytes by key. Implementations report a missing key with
// an error matching ErrNotFound.
type Backend interface {
	Name() string
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Fetch(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Service is the facade used by both the request path and background workers.
type Service struct {
	backend Backend
	log     zerolog.Logger
}

func NewService(backend Backend, log zerolog.Logger) *Service {
	return &Service{
		backend: backend,
		log:     log.With().Str("component", "storage").Str("backend", backend.Name()).Logger(),
	}
}

func (s *Service) Backend() string {
	return s.backend.Name()
}

// Save writes data durably. Any backend failure is reported as ErrUnavailable.
func (s *Service) Save(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return s.wrap("save", key, err)
	}
	if err := s.backend.Save(ctx, key, data, contentType); err != nil {
		return s.wrap("save", key, fmt.Errorf("%w: %w", ErrUnavailable, err))
	}
	return nil
}

func (s *Service) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, s.wrap("fetch", key, err)
	}
	data, err := s.backend.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.wrap("fetch", key, err)
		}
		return nil, s.wrap("fetch", key, fmt.Errorf("%w: %w", ErrUnavailable, err))
	}
	return data, nil
}

// Delete is best-effort. A missing key is not an error; any other failure is
// logged and returned so callers may ignore it.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return s.wrap("delete", key, err)
	}
	err := s.backend.Delete(ctx, key)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	s.log.Warn().Err(err).Str("key", key).Msg("storage delete failed, object may be orphaned")
	return s.wrap("delete", key, fmt.Errorf("%w: %w", ErrUnavailable, err))
}

func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, s.wrap("exists", key, err)
	}
	ok, err := s.backend.Exists(ctx, key)
	if err != nil {
		return false, s.wrap("exists", key, fmt.Errorf("%w: %w", ErrUnavailable, err))
	}
	return ok, nil
}

func (s *Service) wrap(op, key string, err error) error {
	return &Error{Backend: s.backend.Name(), Op: op, Key: key, Err: err}
}

// ValidateKey rejects keys that could escape the backend root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	if path.Clean(key) != key {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
