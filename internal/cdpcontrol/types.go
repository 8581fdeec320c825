package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	CodeValidation     = "VALIDATION"
	CodeTabNotFound    = "TAB_NOT_FOUND"
	CodeEvalFailure    = "EVAL_FAILURE"
	CodeEvalTimeout    = "EVAL_TIMEOUT"
	CodeWaitTimeout    = "WAIT_TIMEOUT"
	CodeCDPUnavailable = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// NewError builds a CodedError for callers outside this package.
func NewError(code, msg string, cause error) error {
	return newError(code, msg, cause)
}

// TabInfo describes a debuggable page target, in browser listing order.
type TabInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Evaluator runs a JavaScript expression in a tab and returns the JSON value.
// Primitives always come back as values; objects need returnByValue.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, returnByValue bool) (json.RawMessage, error)
}

// TabSession is a started debugging session on one tab.
type TabSession interface {
	Evaluator
	Tab() TabInfo
	Stop(ctx context.Context) error
}

// PageState is the structured result of the page inspection script.
type PageState struct {
	ActivePage          string `json:"activePage"`
	HasWorkspaceContent bool   `json:"hasWorkspaceContent"`
	PageSnippet         string `json:"pageSnippet"`
}

// Clickable describes one interactive element found on the page.
type Clickable struct {
	Tag   string `json:"tag"`
	Text  string `json:"text"`
	Class string `json:"class"`
}

// Inventory is the page title plus its clickable elements.
type Inventory struct {
	Title      string      `json:"title"`
	Clickables []Clickable `json:"clickables"`
}
