// Package lang enumerates the languages the fabric can execute and their
// engine-row assignments. Each language owns one row of the execution matrix,
// addressed by a single letter; python is the primary engine and gets the
// large row.
package lang

import "strings"

// Language describes one engine row of the matrix.
type Language struct {
	Name          string // canonical name, also the engine name
	Letter        byte   // engine row letter, 'a'..'o'
	Capacity      int    // positions on the row
	Extension     string // promoted-file extension, without dot
	CommentPrefix string // line-comment syntax for file headers
	InProcess     bool   // shares an interpreter namespace inside the server
}

// PrimaryCapacity is the row size of the primary (in-process) engine;
// SecondaryCapacity applies to every other engine.
const (
	PrimaryCapacity   = 64
	SecondaryCapacity = 16
)

// Languages lists all recognized languages in engine-row order (a..o).
var Languages = []Language{
	{Name: "python", Letter: 'a', Capacity: PrimaryCapacity, Extension: "py", CommentPrefix: "#", InProcess: true},
	{Name: "javascript", Letter: 'b', Capacity: SecondaryCapacity, Extension: "js", CommentPrefix: "//"},
	{Name: "typescript", Letter: 'c', Capacity: SecondaryCapacity, Extension: "ts", CommentPrefix: "//"},
	{Name: "go", Letter: 'd', Capacity: SecondaryCapacity, Extension: "go", CommentPrefix: "//"},
	{Name: "rust", Letter: 'e', Capacity: SecondaryCapacity, Extension: "rs", CommentPrefix: "//"},
	{Name: "java", Letter: 'f', Capacity: SecondaryCapacity, Extension: "java", CommentPrefix: "//"},
	{Name: "csharp", Letter: 'g', Capacity: SecondaryCapacity, Extension: "cs", CommentPrefix: "//"},
	{Name: "cpp", Letter: 'h', Capacity: SecondaryCapacity, Extension: "cpp", CommentPrefix: "//"},
	{Name: "c", Letter: 'i', Capacity: SecondaryCapacity, Extension: "c", CommentPrefix: "//"},
	{Name: "ruby", Letter: 'j', Capacity: SecondaryCapacity, Extension: "rb", CommentPrefix: "#"},
	{Name: "php", Letter: 'k', Capacity: SecondaryCapacity, Extension: "php", CommentPrefix: "//"},
	{Name: "swift", Letter: 'l', Capacity: SecondaryCapacity, Extension: "swift", CommentPrefix: "//"},
	{Name: "kotlin", Letter: 'm', Capacity: SecondaryCapacity, Extension: "kt", CommentPrefix: "//"},
	{Name: "lua", Letter: 'n', Capacity: SecondaryCapacity, Extension: "lua", CommentPrefix: "--"},
	{Name: "bash", Letter: 'o', Capacity: SecondaryCapacity, Extension: "sh", CommentPrefix: "#"},
}

// aliases maps common spellings onto canonical names.
var aliases = map[string]string{
	"py":         "python",
	"python3":    "python",
	"js":         "javascript",
	"node":       "javascript",
	"ts":         "typescript",
	"golang":     "go",
	"rs":         "rust",
	"c#":         "csharp",
	"cs":         "csharp",
	"c++":        "cpp",
	"rb":         "ruby",
	"kt":         "kotlin",
	"sh":         "bash",
	"shell":      "bash",
	"javascript": "javascript",
}

var (
	byName   = map[string]*Language{}
	byLetter = map[byte]*Language{}
)

func init() {
	for i := range Languages {
		l := &Languages[i]
		byName[l.Name] = l
		byLetter[l.Letter] = l
	}
}

// ByName resolves a language from its canonical name or a known alias.
// Matching is case-insensitive.
func ByName(name string) (*Language, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	l, ok := byName[key]
	return l, ok
}

// ByLetter resolves a language from its engine-row letter.
func ByLetter(letter byte) (*Language, bool) {
	l, ok := byLetter[letter]
	return l, ok
}

// TotalCapacity returns the addressable slot count across all rows.
func TotalCapacity() int {
	total := 0
	for i := range Languages {
		total += Languages[i].Capacity
	}
	return total
}

// CommentLine renders one metadata line in the language's comment syntax.
func (l *Language) CommentLine(text string) string {
	return l.CommentPrefix + " " + text
}
