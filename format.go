package qconn

import "github.com/flowbase/qconn/internal/normalize"

func toNormalizeMode(f FormatMode) normalize.Mode {
	if f == FormatRaw {
		return normalize.Raw
	}
	return normalize.Native
}

// applyFormat normalizes one decoded value per the caller's per-token
// format preferences captured in opts.
func applyFormat(v interface{}, opts RunOpts) interface{} {
	return normalize.Apply(v, toNormalizeMode(opts.TimeFormat), toNormalizeMode(opts.GroupFormat), toNormalizeMode(opts.BinaryFormat))
}

// applyFormatRows normalizes every row of a batch into a new slice.
func applyFormatRows(rows []interface{}, opts RunOpts) []interface{} {
	if len(rows) == 0 {
		return rows
	}
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = applyFormat(r, opts)
	}
	return out
}
