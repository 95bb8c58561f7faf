package pipeline

import (
	"github.com/shelltender/shelltender/internal/models"
)

// NoBinary rejects chunks containing control bytes other than tab, newline,
// carriage return and escape. DEL and the C1 range pass through since they
// appear in legitimate UTF-8 continuation bytes.
func NoBinary() FilterFunc {
	return func(ev models.DataEvent) bool {
		for _, b := range ev.Data {
			if b < 0x20 && b != '\t' && b != '\n' && b != '\r' && b != 0x1b {
				return false
			}
		}
		return true
	}
}

// SessionAllowlist passes only chunks from the listed sessions.
func SessionAllowlist(ids ...string) FilterFunc {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return func(ev models.DataEvent) bool {
		_, ok := allowed[ev.SessionID]
		return ok
	}
}

// MaxDataSize rejects chunks larger than n bytes.
func MaxDataSize(n int) FilterFunc {
	return func(ev models.DataEvent) bool {
		return len(ev.Data) <= n
	}
}

// SourceFilter passes only chunks whose metadata source is in the list.
func SourceFilter(sources ...string) FilterFunc {
	allowed := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		allowed[s] = struct{}{}
	}
	return func(ev models.DataEvent) bool {
		_, ok := allowed[ev.Metadata["source"]]
		return ok
	}
}
