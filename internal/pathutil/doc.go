// Package pathutil keeps file operations inside a designated root directory.
//
// IsPathSafe is the containment check everything else builds on: both paths
// are made absolute and cleaned, the candidate must equal the root or sit
// below root+separator, and the check is repeated after resolving symlinks on
// the longest existing prefix of each path so a link inside the root cannot
// redirect an operation outside it. The root itself counts as contained;
// SafeUnlink refuses directories, so the root cannot be removed through it.
//
// Functions here never panic and never return errors. Invalid or unsafe input
// yields false or the empty string, and SafeUnlink logs what it refused.
//
// The check and the later filesystem call are not atomic. A path component
// swapped for a symlink between the two can still redirect the operation; the
// root should not be writable by untrusted local users.
package pathutil
