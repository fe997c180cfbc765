package faults

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// SafeError is the only error shape that leaves the process boundary.
type SafeError struct {
	Kind       Kind          `json:"kind"`
	Message    string        `json:"safe_message"`
	Violations []Violation   `json:"violations,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *SafeError) Error() string { return string(e.Kind) + ": " + e.Message }

const maxSafeTextLen = 200

var (
	urlCredentials = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.\-]*://)[^/\s:@]+(:[^/\s@]*)?@`)
	homeDir        = regexp.MustCompile(`(/home|/Users)(/[^/\s"']+)?`)
	winHomeDir     = regexp.MustCompile(`(?i)([A-Z]:\\Users\\)[^\\\s"']+`)
	unixAbsPath    = regexp.MustCompile(`(^|[\s"'(=,\[])(/[^\s"'),\]]+)`)
	winAbsPath     = regexp.MustCompile(`\b[A-Za-z]:\\[^\s"'),\]]+`)
	stackLine      = regexp.MustCompile(`^\s*(goroutine \d+|.*\.go:\d+|panic:|created by )`)
	modulePath     = regexp.MustCompile(`\b(github\.com|golang\.org|google\.golang\.org|go\.uber\.org)/[\w.\-/]+`)
)

// Sanitize converts any error into a SafeError with a templated message.
// Messages never contain absolute paths, stack traces or internal identifiers.
func Sanitize(err error) *SafeError {
	if err == nil {
		return nil
	}
	var safe *SafeError
	if errors.As(err, &safe) {
		return safe
	}

	out := &SafeError{Kind: KindOf(err)}
	switch out.Kind {
	case KindValidation:
		var e *ValidationError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("invalid parameters for tool %q", SanitizeForLogging(e.ToolID))
		out.Violations = make([]Violation, len(e.Violations))
		for i, v := range e.Violations {
			out.Violations[i] = Violation{
				Param:  SanitizeForLogging(v.Param),
				Kind:   v.Kind,
				Detail: ScrubText(v.Detail),
			}
		}
	case KindPathTraversal:
		var e *PathTraversalError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("parameter %q is outside the permitted workspace: %q",
			SanitizeForLogging(e.Param), ScrubText(e.Value))
	case KindRateLimited:
		var e *RateLimitedError
		errors.As(err, &e)
		out.RetryAfter = e.RetryAfter
		out.Message = fmt.Sprintf("rate limit exceeded for tool %q, retry after %.1fs",
			SanitizeForLogging(e.ToolID), e.RetryAfter.Seconds())
	case KindResourceExhausted:
		out.Message = "too many concurrent invocations, try again later"
	case KindConfirmationRequired:
		var e *ConfirmationRequiredError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("tool %q requires confirmation, resend with confirm=true", SanitizeForLogging(e.ToolID))
	case KindToolNotFound:
		var e *ToolNotFoundError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("unknown tool %q", SanitizeForLogging(e.ToolID))
	case KindToolDisabled:
		var e *ToolDisabledError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("tool %q is disabled", SanitizeForLogging(e.ToolID))
	case KindProcessSpawn:
		out.Message = "tool could not be started"
	case KindTimeout:
		var e *TimeoutError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("tool exceeded its time limit of %s", e.Timeout)
	case KindResourceLimit:
		var e *ResourceLimitExceededError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("tool exceeded its %s limit", e.Resource)
	case KindProcessCrashed:
		var e *CrashError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("tool terminated abnormally (%s)", e.Signal)
	case KindApplicationFailure:
		var e *ExitError
		errors.As(err, &e)
		out.Message = fmt.Sprintf("tool exited with status %d", e.Code)
	case KindCancelled:
		out.Message = "invocation was cancelled"
	default:
		out.Kind = KindInternal
		out.Message = "internal error"
	}
	return out
}

// Diagnostic returns the unsanitized description of err for the operator log.
// It must never be written to the audit stream or returned to callers.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var internal *InternalError
	if errors.As(err, &internal) && len(internal.Stack) > 0 {
		return err.Error() + "\n" + string(internal.Stack)
	}
	return err.Error()
}

// ScrubText removes host details from free text: credentials in URLs, home
// directories, absolute paths (reduced to their final element), stack frames
// and Go module paths.
func ScrubText(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if stackLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	s = strings.Join(kept, "\n")

	s = urlCredentials.ReplaceAllString(s, "${1}<credentials>@")
	s = modulePath.ReplaceAllString(s, "")
	s = homeDir.ReplaceAllStringFunc(s, func(m string) string {
		sub := homeDir.FindStringSubmatch(m)
		if sub[2] == "" {
			return sub[1]
		}
		return sub[1] + "/<user>"
	})
	s = winHomeDir.ReplaceAllString(s, "${1}<user>")
	s = unixAbsPath.ReplaceAllStringFunc(s, func(m string) string {
		sub := unixAbsPath.FindStringSubmatch(m)
		return sub[1] + lastElement(sub[2], "/")
	})
	s = winAbsPath.ReplaceAllStringFunc(s, func(m string) string {
		return lastElement(m, `\`)
	})
	return SanitizeForLogging(s)
}

func lastElement(p, sep string) string {
	p = strings.TrimRight(p, sep)
	if i := strings.LastIndex(p, sep); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return "<path>"
	}
	return p
}

// SanitizeForLogging escapes control characters and truncates s so that
// caller-supplied identifiers cannot forge log lines or flood messages.
func SanitizeForLogging(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n >= maxSafeTextLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case unicode.IsControl(r):
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
