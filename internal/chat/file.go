// ABOUTME: File attachment metadata and scan verdict lifecycle
// ABOUTME: Files are unreferenceable until a scan marks them CLEAN

package chat

import (
	"fmt"
	"time"
)

// ScanVerdict is the malware-scan state of an uploaded file.
type ScanVerdict string

const (
	VerdictPending  ScanVerdict = "PENDING"
	VerdictClean    ScanVerdict = "CLEAN"
	VerdictRejected ScanVerdict = "REJECTED"
)

// MaxFileSize is the upload cap: 2 GiB.
const MaxFileSize = int64(2) << 30

// File is an out-of-band blob referenced by messages. Its lifetime is
// independent of any message (ExpiresAt).
type File struct {
	ID          string      `json:"fileId" bson:"_id"`
	Filename    string      `json:"filename" bson:"filename"`
	Size        int64       `json:"fileSize" bson:"size"`
	MIMEType    string      `json:"mimeType" bson:"mime_type"`
	StorageKey  string      `json:"-" bson:"storage_key"`
	ScanVerdict ScanVerdict `json:"scanVerdict" bson:"scan_verdict"`
	ExpiresAt   time.Time   `json:"expiresAt" bson:"expires_at"`
	CreatedAt   time.Time   `json:"createdAt" bson:"created_at"`
}

// Referenceable reports whether a message may attach this file.
func (f *File) Referenceable(now time.Time) bool {
	return f.ScanVerdict == VerdictClean && now.Before(f.ExpiresAt)
}

// ValidVerdictTransition reports whether a verdict change is legal: only
// PENDING may move, and only to CLEAN or REJECTED.
func ValidVerdictTransition(from, to ScanVerdict) bool {
	return from == VerdictPending && (to == VerdictClean || to == VerdictRejected)
}

// ValidateFileSize enforces the 2 GiB cap.
func ValidateFileSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("file size must be positive, got %d", size)
	}
	if size > MaxFileSize {
		return fmt.Errorf("file size %d exceeds limit of %d bytes", size, MaxFileSize)
	}
	return nil
}
