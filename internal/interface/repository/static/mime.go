package static

import "strings"

const defaultContentType = "application/octet-stream"

var mimeTypes = map[string]string{
	"7z":   "application/x-7z-compressed",
	"bin":  "application/octet-stream",
	"bmp":  "image/x-ms-bmp",
	"css":  "text/css",
	"csv":  "text/csv",
	"gif":  "image/gif",
	"gz":   "application/gzip",
	"htm":  "text/html",
	"html": "text/html",
	"ico":  "image/x-icon",
	"jar":  "application/java-archive",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"js":   "application/javascript",
	"json": "application/json",
	"md":   "text/markdown",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"pdf":  "application/pdf",
	"png":  "image/png",
	"svg":  "image/svg+xml",
	"tar":  "application/x-tar",
	"txt":  "text/plain",
	"wasm": "application/wasm",
	"webm": "video/webm",
	"webp": "image/webp",
	"woff": "font/woff",
	"xml":  "text/xml",
	"zip":  "application/zip",
}

// contentType は拡張子からContent-Typeを決める. 不明なら octet-stream.
func contentType(name string) string {
	slash := strings.LastIndexByte(name, '/')
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot < slash {
		return defaultContentType
	}
	if t, ok := mimeTypes[strings.ToLower(name[dot+1:])]; ok {
		return t
	}
	return defaultContentType
}
