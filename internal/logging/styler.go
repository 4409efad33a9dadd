package logging

import (
	"fmt"
	"net/http"
	"time"

	"github.com/logrusorgru/aurora/v3"
)

// Styler renders relayed requests as one colour-coded line.
type Styler struct {
	au aurora.Aurora
}

// NewStyler returns a Styler that emits escape codes only when color is set.
func NewStyler(color bool) Styler {
	return Styler{au: aurora.NewAurora(color)}
}

// RequestLine renders e.g. "GET /api/widgets 200 12ms".
func (s Styler) RequestLine(method, path string, status int, d time.Duration) string {
	return fmt.Sprintf("%s %s %s %s",
		s.au.Magenta(method),
		s.au.Cyan(path),
		s.Status(status),
		s.au.Colorize(d.Round(time.Millisecond).String(), aurora.BlackFg|aurora.BrightFg),
	)
}

// Status renders an HTTP status code coloured by its class.
func (s Styler) Status(status int) string {
	var c aurora.Color
	switch {
	case status >= http.StatusInternalServerError:
		c = aurora.RedFg
	case status >= http.StatusBadRequest:
		c = aurora.YellowFg
	case status >= http.StatusMultipleChoices:
		c = aurora.BlueFg
	default:
		c = aurora.GreenFg
	}
	return s.au.Colorize(status, c).String()
}
