package cdpcontrol

import (
	"encoding/json"
	"strconv"
)

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsInt(v int) string { return strconv.Itoa(v) }

// wrapIIFE turns a function body into a single expression whose value is
// whatever the body returns.
func wrapIIFE(body string) string {
	return "(function(){\n" + body + "\n})()"
}
