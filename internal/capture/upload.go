package capture

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/documentsignflow/internal/models"
)

// FromUpload accepts a user-selected image file as a committed raster. The
// only check is that the declared (or, failing that, extension-derived)
// mime type is image/*.
func FromUpload(filename, contentType string, data []byte) (Result, error) {
	mt := mediaType(contentType)
	if mt == "" || mt == "application/octet-stream" {
		mt = mediaType(mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))))
	}
	if !strings.HasPrefix(mt, "image/") {
		return Result{}, fmt.Errorf("%w: %q has type %q", models.ErrNotImage, filename, mt)
	}
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: %q is empty", models.ErrNotImage, filename)
	}
	return Result{
		Committed: true,
		MIMEType:  mt,
		Data:      data,
		DataURL:   EncodeDataURL(mt, data),
	}, nil
}

func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

// EncodeDataURL returns a base64 data URL for data.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits a data URL into its mime type and payload. Both
// base64 and percent-encoded payloads are accepted.
func DecodeDataURL(s string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: not a data URL", models.ErrNotImage)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: data URL has no payload", models.ErrNotImage)
	}
	isBase64 := false
	if m, ok := strings.CutSuffix(meta, ";base64"); ok {
		meta, isBase64 = m, true
	}
	mimeType = mediaType(meta)
	if mimeType == "" {
		mimeType = "text/plain"
	}
	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
	} else {
		var unescaped string
		unescaped, err = url.PathUnescape(payload)
		data = []byte(unescaped)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", models.ErrNotImage, err)
	}
	return mimeType, data, nil
}
