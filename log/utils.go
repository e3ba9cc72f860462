package log

import (
	"fmt"

	"github.com/crewjam/rfc5424"
)

// KV builds a structured-data parameter for use with the Logger's
// Debug/Info/Warn/Error/Critical methods, e.g. log.KV("region_id", rid).
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	switch v := value.(type) {
	case string:
		r.Value = v
	default:
		r.Value = fmt.Sprintf("%v", value)
	}
	return
}

func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}
