package ingress

import (
	"mime"
	"net/http"
	"regexp"

	"github.com/mwork/photofabric/internal/errs"
	"github.com/mwork/photofabric/internal/pkg/storage"
)

// filenameRe matches spec.md §4.C5's allowed original_name charset.
var filenameRe = regexp.MustCompile(`^[A-Za-z0-9_.\- ]+$`)

// validate checks in and returns the effective MIME type to carry
// forward (the declared content_type if it matches the magic-byte
// sniff, or the sniffed type itself when content_type was omitted).
// The sniff always runs: an omitted content_type is not a free pass
// for arbitrary bytes (spec.md §3 "unknown ⇒ octet-stream, accepted
// only if whitelisted by ingress").
func validate(in UploadInput) (string, error) {
	if len(in.Bytes) == 0 {
		return "", errs.Validation("upload buffer is empty")
	}
	if int64(len(in.Bytes)) > storage.MaxUploadSize {
		return "", errs.Validation("upload exceeds the %d byte size cap", storage.MaxUploadSize)
	}
	if in.OriginalName == "" || !filenameRe.MatchString(in.OriginalName) {
		return "", errs.Validation("original_name %q must match %s", in.OriginalName, filenameRe.String())
	}
	if in.ClientID == "" {
		return "", errs.Validation("client_id is required")
	}

	sniffed := sniffMime(in.Bytes) // http.DetectContentType defaults to application/octet-stream when unrecognized

	effective := in.ContentType
	if effective == "" {
		effective = sniffed
	} else if sniffed != effective {
		return "", errs.Validation("declared content_type %q does not match sniffed type %q", in.ContentType, sniffed)
	}

	if !storage.IsAllowedMimeType(effective) {
		return "", errs.Validation("content_type %q is not in the allowed image MIME list", effective)
	}
	return effective, nil
}

// sniffMime normalizes http.DetectContentType's magic-byte sniff to a
// bare MIME type (strips any "; charset=..." parameter).
func sniffMime(b []byte) string {
	detected := http.DetectContentType(b)
	normalized, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return detected
	}
	return normalized
}

// isVideoMime reports whether mimeType names a video format, used for
// bucket derivation (spec.md §4.C5 step 2).
func isVideoMime(mimeType string) bool {
	switch mimeType {
	case "video/mp4", "video/quicktime", "video/webm":
		return true
	default:
		return false
	}
}

// sanitizeFilename replaces each path separator and space with '_' so
// the name is safe to embed in a blob_key segment.
func sanitizeFilename(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '/' || c == '\\':
			out = append(out, '_')
		case c == ' ':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
