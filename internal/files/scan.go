// ABOUTME: Stub malware scanner driven by a content-type and extension denylist
// ABOUTME: Stands in for a real scanning pipeline; verdicts are final

package files

import (
	"path/filepath"
	"strings"

	"github.com/2389/loom-gateway/internal/chat"
)

var deniedMIMETypes = map[string]struct{}{
	"application/x-msdownload":       {},
	"application/x-dosexec":          {},
	"application/x-executable":       {},
	"application/x-elf":              {},
	"application/x-mach-binary":      {},
	"application/x-sh":               {},
	"application/x-bat":              {},
	"application/x-msi":              {},
	"application/vnd.microsoft.portable-executable": {},
}

var deniedExtensions = map[string]struct{}{
	".exe": {},
	".dll": {},
	".msi": {},
	".bat": {},
	".cmd": {},
	".scr": {},
	".com": {},
	".ps1": {},
}

// Scan returns the verdict for an uploaded blob. Anything on the denylist
// is REJECTED; everything else is CLEAN.
func Scan(filename, mimeType string) chat.ScanVerdict {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if _, denied := deniedMIMETypes[mt]; denied {
		return chat.VerdictRejected
	}
	if _, denied := deniedExtensions[strings.ToLower(filepath.Ext(filename))]; denied {
		return chat.VerdictRejected
	}
	return chat.VerdictClean
}
