// Package filestore keeps uploaded files flat under a single data root.
//
// Every name coming from a client goes through pathutil: uploads are stored
// under pathutil.SanitizeFilename(name), reads and deletes only accept names
// that are already in sanitized form, and every path is built with
// pathutil.CreateSafePath so nothing outside the root is ever opened. Deletes
// go through pathutil.SafeUnlink and are idempotent.
//
// Uploads are streamed to a hidden temp file in the root and renamed into
// place, so readers never see a partial file. Hidden names can never be
// produced by SanitizeFilename, so temp files do not collide with or show up
// as stored files.
package filestore
