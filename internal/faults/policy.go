package faults

// DefaultPolicy decides how a stream fault is handled. Input fields:
// code, message, phase ("stream", "resume", "poll") and has_response_id.
const DefaultPolicy = `
package stream_faults

transient_codes := {
	"inactivity_timeout",
	"connection_reset",
	"aborted",
	"eof",
	"timeout",
	"server_error",
	"bad_gateway",
	"service_unavailable",
}

transient if input.code in transient_codes

transient if regex.match("(?i)(econnreset|socket hang up|premature close|connection reset|broken pipe|stream ended)", input.message)

active_phase if input.phase in {"stream", "resume"}

rate_limited if input.code == "rate_limit_exceeded"

default decision := "fatal"

decision := "resume" if {
	active_phase
	input.has_response_id
	transient
} else := "poll" if {
	input.phase == "resume"
	input.has_response_id
} else := "poll" if {
	active_phase
	input.has_response_id
	rate_limited
} else := "poll" if {
	input.phase == "poll"
	transient
} else := "poll" if {
	input.phase == "poll"
	rate_limited
}
`
