package pathutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"syscall"

	"github.com/keithlinneman/fileguard/internal/log"
	"github.com/keithlinneman/fileguard/internal/xerrors"
)

// SafeUnlink removes the regular file (or symlink) at filePath when it lies
// inside root. A file that is already gone counts as removed. Every refusal
// or failure is logged on L and reported as false. A nil L discards the logs;
// callers pass the logger built by the binary.
func SafeUnlink(ctx context.Context, L log.Logger, filePath, root string) bool {
	L = log.OrNop(L)

	if filePath == "" {
		L.Warn(ctx, "no file path provided to safe unlink")
		return false
	}

	if !IsPathSafe(filePath, root) {
		L.Error(ctx, xerrors.New("path escapes allowed root"), "refusing to delete file outside allowed directory",
			log.KeyCategory, log.CategorySecurity,
			"file_path", filePath,
			"allowed_root", root,
		)
		return false
	}

	fi, err := os.Lstat(filePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		L.Debug(ctx, "file already deleted or does not exist", "file_path", filePath)
		return true
	case err != nil:
		logRemoveFailure(ctx, L, filePath, err)
		return false
	case fi.IsDir():
		L.Error(ctx, xerrors.New("path is a directory"), "refusing to delete directory",
			"file_path", filePath,
			"code", "EISDIR",
		)
		return false
	}

	if err := os.Remove(filePath); err != nil {
		// lost a race with another delete
		if errors.Is(err, fs.ErrNotExist) {
			L.Debug(ctx, "file already deleted or does not exist", "file_path", filePath)
			return true
		}
		logRemoveFailure(ctx, L, filePath, err)
		return false
	}

	L.Debug(ctx, "deleted file", "file_path", filePath)
	return true
}

func logRemoveFailure(ctx context.Context, L log.Logger, filePath string, err error) {
	L.Error(ctx, xerrors.Wrap(err, "remove file"), "failed to delete file",
		"file_path", filePath,
		"code", errnoCode(err),
	)
}

// errnoCode returns a short code for the OS error behind err, "" if there is none.
func errnoCode(err error) string {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ""
	}
	switch {
	case errors.Is(errno, fs.ErrPermission):
		return "EACCES"
	case errors.Is(errno, syscall.EISDIR):
		return "EISDIR"
	case errors.Is(errno, syscall.EBUSY):
		return "EBUSY"
	case errors.Is(errno, syscall.EROFS):
		return "EROFS"
	case errors.Is(errno, syscall.EIO):
		return "EIO"
	case errors.Is(errno, syscall.ENOTDIR):
		return "ENOTDIR"
	}
	return "errno_" + strconv.Itoa(int(errno))
}
