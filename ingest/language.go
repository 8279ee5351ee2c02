package ingest

import (
	"mime"
	"path/filepath"
	"strings"
)

const unknownLanguage = "Unknown"

var languageByExt = map[string]string{
	".md":       "Markdown",
	".markdown": "Markdown",
	".txt":      "Plain text",
	".rs":       "Rust",
	".py":       "Python",
	".js":       "JavaScript",
	".ts":       "TypeScript",
	".tsx":      "TypeScript/TSX",
	".jsx":      "JavaScript/JSX",
	".go":       "Go",
	".java":     "Java",
	".c":        "C",
	".cpp":      "C++",
	".cxx":      "C++",
	".cc":       "C++",
	".hpp":      "C++",
	".hxx":      "C++",
	".h":        "C/C++ header",
	".cs":       "C#",
	".swift":    "Swift",
	".kt":       "Kotlin",
	".kts":      "Kotlin",
	".php":      "PHP",
	".rb":       "Ruby",
	".scala":    "Scala",
	".lua":      "Lua",
	".sh":       "Shell",
	".bash":     "Shell",
	".ps1":      "PowerShell",
	".html":     "HTML",
	".htm":      "HTML",
	".css":      "CSS",
	".scss":     "SCSS/SASS",
	".sass":     "SCSS/SASS",
	".less":     "LESS",
	".json":     "JSON",
	".toml":     "TOML",
	".yaml":     "YAML",
	".yml":      "YAML",
	".ini":      "INI",
	".env":      "Environment variables",
	".lock":     "Lockfile",
	".xml":      "XML",
	".sql":      "SQL",
	".csv":      "CSV",
	".tsv":      "TSV",
	".bin":      "Binary",
	".wasm":     "WebAssembly",
	".exe":      "Executable",
	".dll":      "Dynamic library",
}

var languageByMime = map[string]string{
	"application/json": "JSON",
	"text/plain":       "Plain text",
	"text/markdown":    "Markdown",
	"text/css":         "CSS",
	"text/html":        "HTML",
}

// LanguageFor labels a file's language from its extension, falling back to
// the mime registry for extensions the table does not know.
func LanguageFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	mimeType := mime.TypeByExtension(ext)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if lang, ok := languageByMime[mimeType]; ok {
		return lang
	}
	return unknownLanguage
}
