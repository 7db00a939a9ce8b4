package dialer

import "fmt"

// Hangup cause codes the engine branches on.
const (
	CauseNormalClearing = 16
	CauseBusy           = 17
	CauseNoAnswer       = 19
)

// causeTexts maps telephony hangup cause codes to human-readable causes.
var causeTexts = map[int]string{
	1:  "unassigned number",
	16: "normal clearing",
	17: "busy",
	18: "no user response",
	19: "no answer",
	21: "rejected",
	28: "invalid number",
	31: "general failure",
	34: "channel unavailable",
}

// CauseText returns the text for a hangup cause code. Unknown codes surface
// with the code embedded.
func CauseText(code int) string {
	if text, ok := causeTexts[code]; ok {
		return text
	}
	return fmt.Sprintf("unknown failure (code %d)", code)
}
