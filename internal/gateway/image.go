package gateway

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

const defaultImageMIME = "image/jpeg"

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ImageMIMEType infers the image MIME type from the file extension.
func ImageMIMEType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := imageMIMETypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); strings.HasPrefix(t, "image/") {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return defaultImageMIME
}

// DataURI encodes data as a base64 data URI of the given MIME type.
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ImageUsable reports whether path names a readable non-empty regular file.
func ImageUsable(path string) bool {
	_, err := checkImage(path)
	return err == nil
}

func checkImage(path string) (os.FileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("image path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("image not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("image path %s is a directory", path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("image file %s is empty", path)
	}
	return info, nil
}

func encodeImage(path string) (dataURI, filename string, err error) {
	if _, err := checkImage(path); err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return "", "", fmt.Errorf("image file %s is empty", path)
	}
	return DataURI(ImageMIMEType(path), data), filepath.Base(path), nil
}

// KnownImageExtension reports whether path carries one of the image
// extensions the gateway is known to accept.
func KnownImageExtension(path string) bool {
	_, ok := imageMIMETypes[strings.ToLower(filepath.Ext(path))]
	return ok
}
