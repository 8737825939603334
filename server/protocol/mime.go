package protocol

import (
	"path"
	"strings"
)

const DefaultContentType = "text/html"

var mimeTypes = map[string]string{
	"css":  "text/css",
	"gif":  "image/gif",
	"htm":  "text/html",
	"html": "text/html",
	"ico":  "image/x-icon",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"js":   "application/javascript",
	"json": "application/json",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"pdf":  "application/pdf",
	"png":  "image/png",
	"svg":  "image/svg+xml",
	"txt":  "text/plain",
	"wasm": "application/wasm",
	"webm": "video/webm",
	"webp": "image/webp",
	"xml":  "text/xml",
	"zip":  "application/zip",
}

// content type by file extension, text/html if unknown
func ContentType(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return DefaultContentType
	}
	if t, ok := mimeTypes[strings.ToLower(ext[1:])]; ok {
		return t
	}
	return DefaultContentType
}
