package qconn

// FormatMode is the value space for time_format, group_format and
// binary_format: "raw" or "native". Any other value is an ArgumentError.
type FormatMode string

const (
	FormatUnset  FormatMode = ""
	FormatRaw    FormatMode = "raw"
	FormatNative FormatMode = "native"
)

func (f FormatMode) valid() bool {
	return f == FormatUnset || f == FormatRaw || f == FormatNative
}

// RunOpts is the per-query option set recognized by run. It doubles as
// PerTokenOpts: the value captured at registration time is what Run,
// the Cursor and the handler callback hand to internal/normalize when
// shaping that token's response.
type RunOpts struct {
	Noreply       bool
	DB            string
	TimeFormat    FormatMode
	GroupFormat   FormatMode
	BinaryFormat  FormatMode
	IncludeStates bool
	// Extra carries any other option verbatim; these are passed through
	// to the server untouched.
	Extra map[string]interface{}
}

// PerTokenOpts is the option view retained in each waiter-table entry
// alongside the token it was registered for.
type PerTokenOpts = RunOpts

func (o RunOpts) validate() error {
	if !o.TimeFormat.valid() {
		return &ArgumentError{Msg: "time_format must be \"raw\" or \"native\""}
	}
	if !o.GroupFormat.valid() {
		return &ArgumentError{Msg: "group_format must be \"raw\" or \"native\""}
	}
	if !o.BinaryFormat.valid() {
		return &ArgumentError{Msg: "binary_format must be \"raw\" or \"native\""}
	}
	return nil
}

// mergeOpts layers call-site options over connection defaults: any field
// set at the call site wins, everything else falls back to the default.
func mergeOpts(def, call RunOpts) RunOpts {
	out := def
	out.Noreply = call.Noreply
	if call.DB != "" {
		out.DB = call.DB
	}
	if call.TimeFormat != FormatUnset {
		out.TimeFormat = call.TimeFormat
	}
	if call.GroupFormat != FormatUnset {
		out.GroupFormat = call.GroupFormat
	}
	if call.BinaryFormat != FormatUnset {
		out.BinaryFormat = call.BinaryFormat
	}
	if call.IncludeStates {
		out.IncludeStates = true
	}
	if len(call.Extra) > 0 {
		merged := make(map[string]interface{}, len(def.Extra)+len(call.Extra))
		for k, v := range def.Extra {
			merged[k] = v
		}
		for k, v := range call.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// wire renders the option set as the global_opts object sent on the
// wire, as plain JSON-able values (each option value is either the
// trivial term for a literal or a pre-serialized query term supplied by
// the caller in Extra).
func (o RunOpts) wire() map[string]interface{} {
	m := make(map[string]interface{}, len(o.Extra)+6)
	for k, v := range o.Extra {
		m[k] = v
	}
	if o.Noreply {
		m["noreply"] = true
	}
	if o.DB != "" {
		m["db"] = o.DB
	}
	if o.TimeFormat != FormatUnset {
		m["time_format"] = string(o.TimeFormat)
	}
	if o.GroupFormat != FormatUnset {
		m["group_format"] = string(o.GroupFormat)
	}
	if o.BinaryFormat != FormatUnset {
		m["binary_format"] = string(o.BinaryFormat)
	}
	if o.IncludeStates {
		m["include_states"] = true
	}
	return m
}
