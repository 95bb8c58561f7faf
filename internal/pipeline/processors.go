package pipeline

import (
	"regexp"
	"sync"
	"time"

	"github.com/shelltender/shelltender/internal/models"
)

const redactedMarker = "[REDACTED]"

// SecurityFilter replaces every match of the given patterns with
// [REDACTED]. Conventionally registered at priority 10.
func SecurityFilter(patterns []*regexp.Regexp) ProcessorFunc {
	return func(ev *models.ProcessedDataEvent) *models.ProcessedDataEvent {
		data := ev.ProcessedData
		for _, re := range patterns {
			data = re.ReplaceAll(data, []byte(redactedMarker))
		}
		ev.ProcessedData = data
		return ev
	}
}

// panPatterns match Visa, MasterCard, Amex and Discover primary account
// numbers, with optional space or dash separators.
var panPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b4\d{3}([ -]?)\d{4}([ -]?)\d{4}([ -]?)\d{4}\b`),          // Visa
	regexp.MustCompile(`\b5[1-5]\d{2}([ -]?)\d{4}([ -]?)\d{4}([ -]?)\d{4}\b`),     // MasterCard
	regexp.MustCompile(`\b3[47]\d{2}([ -]?)\d{6}([ -]?)\d{5}\b`),                  // Amex
	regexp.MustCompile(`\b6(?:011|5\d{2})([ -]?)\d{4}([ -]?)\d{4}([ -]?)\d{4}\b`), // Discover
}

// CreditCardRedactor redacts card PANs. Conventionally priority 20.
func CreditCardRedactor() ProcessorFunc {
	return SecurityFilter(panPatterns)
}

// RateLimiter enforces a per-session byte budget over a sliding one-second
// window. Chunks over budget are dropped (the processor returns nil).
func RateLimiter(maxBytesPerSecond int) ProcessorFunc {
	type window struct {
		start time.Time
		bytes int
	}
	var (
		mu       sync.Mutex
		sessions = make(map[string]*window)
	)
	return func(ev *models.ProcessedDataEvent) *models.ProcessedDataEvent {
		mu.Lock()
		defer mu.Unlock()
		w := sessions[ev.SessionID]
		now := time.Now()
		if w == nil || now.Sub(w.start) >= time.Second {
			w = &window{start: now}
			sessions[ev.SessionID] = w
		}
		if w.bytes+len(ev.ProcessedData) > maxBytesPerSecond {
			return nil
		}
		w.bytes += len(ev.ProcessedData)
		return ev
	}
}

var ansiEscape = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\)|[()][0-9A-B]|[=>]|[A-Z])`)

// AnsiStripper removes ANSI escape sequences.
func AnsiStripper() ProcessorFunc {
	return func(ev *models.ProcessedDataEvent) *models.ProcessedDataEvent {
		ev.ProcessedData = ansiEscape.ReplaceAll(ev.ProcessedData, nil)
		return ev
	}
}

var lineEndings = regexp.MustCompile(`\r\n|\r`)

// LineEndingNormalizer rewrites CRLF and bare CR to LF.
func LineEndingNormalizer() ProcessorFunc {
	return func(ev *models.ProcessedDataEvent) *models.ProcessedDataEvent {
		ev.ProcessedData = lineEndings.ReplaceAll(ev.ProcessedData, []byte("\n"))
		return ev
	}
}
