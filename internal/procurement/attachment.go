package procurement

import (
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// DefaultMaxAttachmentBytes bounds attachment content when no limit is configured.
const DefaultMaxAttachmentBytes = 10 << 20

// AttachmentInput is an uploaded file as received from the caller.
type AttachmentInput struct {
	FileName string
	FileType string
	Content  []byte
}

// NewAttachment validates the upload and fingerprints its content. The
// content itself is never interpreted.
func NewAttachment(in AttachmentInput, maxBytes int64) (Attachment, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}
	name := strings.TrimSpace(filepath.Base(in.FileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return Attachment{}, workflow.Invalid("attachment.file_name", "is required")
	}
	if len(in.Content) == 0 {
		return Attachment{}, workflow.Invalid("attachment.content", "is empty")
	}
	if int64(len(in.Content)) > maxBytes {
		return Attachment{}, workflow.Invalid("attachment.content", fmt.Sprintf("exceeds %d bytes", maxBytes))
	}
	fileType := strings.TrimSpace(in.FileType)
	if fileType == "" {
		fileType = mime.TypeByExtension(filepath.Ext(name))
	}
	if fileType == "" {
		fileType = http.DetectContentType(in.Content)
	}
	sum := blake2b.Sum256(in.Content)
	return Attachment{
		FileName: name,
		FileType: fileType,
		Size:     int64(len(in.Content)),
		Digest:   hex.EncodeToString(sum[:]),
		Content:  in.Content,
	}, nil
}

// buildAttachment converts an optional upload.
func buildAttachment(in *AttachmentInput, maxBytes int64) (*Attachment, error) {
	if in == nil {
		return nil, nil
	}
	att, err := NewAttachment(*in, maxBytes)
	if err != nil {
		return nil, err
	}
	return &att, nil
}
