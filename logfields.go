package clinicsync

import (
	"log/slog"
	"time"
)

// Canonical log keys shared by the engine, transports and the CLI.
const (
	KeyState    = "connection_state"
	KeyFrom     = "from_state"
	KeyAttempt  = "attempt"
	KeyEpoch    = "epoch"
	KeyCaseID   = "case_id"
	KeyChange   = "change"
	KeyDelayMS  = "delay_ms"
	KeyPollTier = "poll_tier"
	KeySource   = "source"
	KeyCount    = "count"
	KeyError    = "error"
)

func attrState(s ConnectionState) slog.Attr   { return slog.String(KeyState, string(s)) }
func attrFrom(s ConnectionState) slog.Attr    { return slog.String(KeyFrom, string(s)) }
func attrAttempt(n int) slog.Attr             { return slog.Int(KeyAttempt, n) }
func attrEpoch(n uint64) slog.Attr            { return slog.Uint64(KeyEpoch, n) }
func attrCaseID(id string) slog.Attr          { return slog.String(KeyCaseID, id) }
func attrChange(t ChangeType) slog.Attr       { return slog.String(KeyChange, string(t)) }
func attrDelay(d time.Duration) slog.Attr     { return slog.Int64(KeyDelayMS, d.Milliseconds()) }
func attrPollTier(t PollTier) slog.Attr       { return slog.String(KeyPollTier, t.String()) }
func attrSource(s string) slog.Attr           { return slog.String(KeySource, s) }
func attrCount(n int) slog.Attr               { return slog.Int(KeyCount, n) }
func attrError(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
