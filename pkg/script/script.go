// Package script pre-flights JavaScript sources before they are submitted for a run.
package script

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// SyntaxError reports a JavaScript source that does not parse
type SyntaxError struct {
	Message string
	Line    int
	Column  int
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Message)
	}
	return "syntax error: " + e.Message
}

// wrapperLines is the number of lines Check prepends to the user code
const wrapperLines = 1

// Check parses code the way the platform runs it: as the body of an async
// function, so top-level return and await are allowed. Nothing is executed.
func Check(code string) error {
	if strings.TrimSpace(code) == "" {
		return &sdkerrors.PayloadError{Reason: "code is empty"}
	}

	_, err := goja.Compile("script.js", "(async function(){\n"+code+"\n})", false)
	if err == nil {
		return nil
	}

	syntaxErr := &SyntaxError{Message: err.Error()}

	var compileErr *goja.CompilerSyntaxError
	if errors.As(err, &compileErr) {
		syntaxErr.Message = compileErr.Message
		if compileErr.File != nil {
			pos := compileErr.File.Position(compileErr.Offset)
			syntaxErr.Line = pos.Line - wrapperLines
			syntaxErr.Column = pos.Column
		}
	}

	var parseErrs parser.ErrorList
	if errors.As(err, &parseErrs) && len(parseErrs) > 0 {
		first := parseErrs[0]
		syntaxErr.Message = first.Message
		syntaxErr.Line = first.Position.Line - wrapperLines
		syntaxErr.Column = first.Position.Column
	}

	return &sdkerrors.PayloadError{Reason: "code does not compile", Err: syntaxErr}
}
