package filestore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/fileguard/internal/health"
	"github.com/keithlinneman/fileguard/internal/log"
	"github.com/keithlinneman/fileguard/internal/pathutil"
	"github.com/keithlinneman/fileguard/internal/xerrors"
)

var (
	ErrInvalidName  = errors.New("invalid file name")
	ErrNotFound     = errors.New("file not found")
	ErrTooLarge     = errors.New("file exceeds upload limit")
	ErrDeleteFailed = errors.New("file could not be deleted")
)

const tempPrefix = ".upload-"

var tracer = otel.Tracer("fileguard/filestore")

// Metrics is the subset of the server metrics the store reports to.
type Metrics interface {
	IncFileOp(op, result string)
	IncPathRejected(op string)
	ObserveUpload(bytes int64)
}

type Options struct {
	// Root is created if missing. Symlinks in it are resolved once at start-up.
	Root   string
	Logger log.Logger
	// MaxNameLength bounds stored names in bytes, 0 means
	// pathutil.DefaultMaxFilenameLength
	MaxNameLength int
	Metrics       Metrics
}

type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

type Store struct {
	root    string
	maxName int
	logger  log.Logger
	metrics Metrics
}

func New(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, xerrors.New("filestore: root is required")
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve data root %s", opts.Root)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, xerrors.Wrapf(err, "create data root %s", abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve data root %s", abs)
	}
	return &Store{
		root:    resolved,
		maxName: opts.MaxNameLength,
		logger:  log.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}, nil
}

func (s *Store) Root() string { return s.root }

// Put stores r under the sanitized form of name, replacing any existing file.
// At most limit bytes are accepted when limit > 0. The returned info carries
// the name the file was stored under.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, limit int64) (_ FileInfo, err error) {
	const op = "put"
	ctx, span := tracer.Start(ctx, "filestore.Put")
	defer func() { endSpan(span, err) }()

	clean := pathutil.SanitizeFilename(name, s.maxName)
	if clean == "" {
		return FileInfo{}, s.reject(ctx, op, name)
	}
	dst := pathutil.CreateSafePath(s.root, clean)
	if dst == "" {
		return FileInfo{}, s.reject(ctx, op, name)
	}

	tmpPath := pathutil.CreateSafePath(s.root, tempPrefix+uuid.NewString()+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		s.count(op, "error")
		return FileInfo{}, xerrors.Wrap(err, "create temp file")
	}
	// no-op once the rename succeeded
	defer pathutil.SafeUnlink(ctx, s.logger, tmpPath, s.root)

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.count(op, "error")
		return FileInfo{}, xerrors.Wrapf(err, "write upload %s", clean)
	}
	if limit > 0 && n > limit {
		s.count(op, "too_large")
		return FileInfo{}, xerrors.WithStack(ErrTooLarge)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		s.count(op, "error")
		return FileInfo{}, xerrors.Wrapf(err, "move upload into place %s", clean)
	}

	s.count(op, "ok")
	if s.metrics != nil {
		s.metrics.ObserveUpload(n)
	}
	span.SetAttributes(attribute.String("file.name", clean), attribute.Int64("file.size", n))
	s.logger.Info(ctx, "stored file", "file", clean, "size", n)
	return s.stat(clean, dst)
}

// Open returns the file stored under name. The caller closes it.
func (s *Store) Open(ctx context.Context, name string) (*os.File, FileInfo, error) {
	const op = "get"
	p, err := s.lookup(ctx, op, name)
	if err != nil {
		return nil, FileInfo{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, FileInfo{}, s.fsErr(op, err, name)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, FileInfo{}, s.fsErr(op, err, name)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		s.count(op, "not_found")
		return nil, FileInfo{}, xerrors.WithStack(ErrNotFound)
	}
	s.count(op, "ok")
	return f, FileInfo{Name: name, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Stat reports the stored file's metadata.
func (s *Store) Stat(ctx context.Context, name string) (FileInfo, error) {
	const op = "stat"
	p, err := s.lookup(ctx, op, name)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := s.stat(name, p)
	if err != nil {
		return FileInfo{}, s.fsErr(op, err, name)
	}
	s.count(op, "ok")
	return fi, nil
}

// List returns stored regular files sorted by name.
func (s *Store) List(ctx context.Context) ([]FileInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.count("list", "error")
		return nil, xerrors.Wrap(err, "read data root")
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.count("list", "ok")
	return out, nil
}

// Delete removes the file stored under name. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, name string) (err error) {
	const op = "delete"
	ctx, span := tracer.Start(ctx, "filestore.Delete")
	defer func() { endSpan(span, err) }()

	p, err := s.lookup(ctx, op, name)
	if err != nil {
		return err
	}
	if !pathutil.SafeUnlink(ctx, s.logger, p, s.root) {
		s.count(op, "error")
		return xerrors.WithStack(ErrDeleteFailed)
	}
	s.count(op, "ok")
	return nil
}

// Probe reports the root as unhealthy when it is missing, not a directory or
// not writable.
func (s *Store) Probe() health.CheckFunc {
	return func(ctx context.Context) error {
		fi, err := os.Stat(s.root)
		if err != nil {
			return xerrors.Wrap(err, "data root")
		}
		if !fi.IsDir() {
			return xerrors.Newf("data root %s is not a directory", s.root)
		}
		f, err := os.CreateTemp(s.root, tempPrefix+"probe-*")
		if err != nil {
			return xerrors.Wrap(err, "data root not writable")
		}
		name := f.Name()
		f.Close()
		if !pathutil.SafeUnlink(ctx, s.logger, name, s.root) {
			return xerrors.New("data root probe file could not be removed")
		}
		return nil
	}
}

// lookup maps a client supplied name to its path, accepting only names that
// are already sanitized.
func (s *Store) lookup(ctx context.Context, op, name string) (string, error) {
	if name == "" || pathutil.SanitizeFilename(name, s.maxName) != name {
		return "", s.reject(ctx, op, name)
	}
	p := pathutil.CreateSafePath(s.root, name)
	if p == "" {
		return "", s.reject(ctx, op, name)
	}
	return p, nil
}

func (s *Store) reject(ctx context.Context, op, name string) error {
	if s.metrics != nil {
		s.metrics.IncPathRejected(op)
	}
	s.count(op, "rejected")
	s.logger.Warn(ctx, "rejected file name",
		log.KeyCategory, log.CategorySecurity,
		"op", op,
		"name", name,
	)
	return xerrors.WithStack(ErrInvalidName)
}

func (s *Store) stat(name, p string) (FileInfo, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return FileInfo{}, err
	}
	if !fi.Mode().IsRegular() {
		return FileInfo{}, fs.ErrNotExist
	}
	return FileInfo{Name: name, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *Store) fsErr(op string, err error, name string) error {
	if errors.Is(err, fs.ErrNotExist) {
		s.count(op, "not_found")
		return xerrors.WithStack(ErrNotFound)
	}
	s.count(op, "error")
	return xerrors.Wrapf(err, "%s %s", op, name)
}

func (s *Store) count(op, result string) {
	if s.metrics != nil {
		s.metrics.IncFileOp(op, result)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
