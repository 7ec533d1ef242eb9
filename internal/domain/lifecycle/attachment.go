package lifecycle

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/easygopharm/intake/internal/platform/blobstore"
)

// splitAttachment validates a submitted attachment and returns the data URL
// prefix to keep with the record and the decoded bytes for the blob store.
// Only canonical base64 is accepted so that the rebuilt Data is identical.
func splitAttachment(field string, a *Attachment) (string, []byte, error) {
	if strings.TrimSpace(a.FileName) == "" {
		return "", nil, invalid(field+".file_name", "is required")
	}
	if a.Data == "" {
		return "", nil, invalid(field+".data", "is required")
	}

	prefix, payload := "", a.Data
	if strings.HasPrefix(payload, "data:") {
		i := strings.IndexByte(payload, ',')
		if i < 0 {
			return "", nil, invalid(field+".data", "malformed data URL")
		}
		prefix, payload = payload[:i+1], payload[i+1:]
		if !strings.HasSuffix(prefix, ";base64,") {
			return "", nil, invalid(field+".data", "data URL must be base64 encoded")
		}
	}

	if base64.StdEncoding.DecodedLen(len(payload)) > blobstore.MaxAttachmentSize+2 {
		return "", nil, tooLarge(field)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || base64.StdEncoding.EncodeToString(data) != payload {
		return "", nil, invalid(field+".data", "is not valid base64")
	}
	if len(data) > blobstore.MaxAttachmentSize {
		return "", nil, tooLarge(field)
	}
	return prefix, data, nil
}

func joinAttachment(ref *AttachmentRef, data []byte) *Attachment {
	return &Attachment{
		FileName: ref.FileName,
		Data:     ref.DataPrefix + base64.StdEncoding.EncodeToString(data),
		MimeType: ref.MimeType,
	}
}

func tooLarge(field string) error {
	return invalid(field, fmt.Sprintf("file exceeds the %d MB limit", blobstore.MaxAttachmentSize>>20))
}
