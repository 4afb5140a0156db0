package checks

import "github.com/lucasnoah/scenefactory/internal/pipeline"

// ParseResult holds the normalized output from a parser.
type ParseResult struct {
	Passed  bool                 `json:"passed"`
	Summary string               `json:"summary"`
	Issues  []pipeline.LintIssue `json:"issues"`
}

// Parser converts raw lint output into structured issues.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}

// parsers maps config parser names to implementations.
var parsers = map[string]Parser{
	"ruff":    &RuffParser{},
	"generic": &GenericParser{},
}

// ParserFor returns the named parser, falling back to the generic parser.
func ParserFor(name string) Parser {
	if p, ok := parsers[name]; ok {
		return p
	}
	return parsers["generic"]
}

// KnownParser reports whether name is a registered parser.
func KnownParser(name string) bool {
	_, ok := parsers[name]
	return ok
}
