package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks secrets in log output.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default patterns: provider API
// keys, bearer tokens, DSN passwords and key=value secrets.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), redacted},
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
			// keep the user so a leaked DSN is still debuggable
			{regexp.MustCompile(`(postgres(?:ql)?://[^:/\s]+:)[^@\s]+@`), "${1}" + redacted + "@"},
			{regexp.MustCompile(`(?i)(password|api_key|secret)["\s:=]+[^\s",}]+`), redacted},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact masks every match in s.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap wraps an io.Writer so everything written through it is redacted.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted payload as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
