package s3

import (
	"path"
	"strings"
)

// imageMIMEs maps known image extensions to their MIME types. Anything else
// uploads as application/octet-stream.
var imageMIMEs = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".avif": "image/avif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".svg":  "image/svg+xml",
}

func contentTypeForPath(p string) string {
	if mime, ok := imageMIMEs[strings.ToLower(path.Ext(p))]; ok {
		return mime
	}
	return "application/octet-stream"
}
