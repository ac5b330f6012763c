package message

import (
	"github.com/tidwall/gjson"
)

// KindOf returns the kind tag of raw data, or "" when there is none.
func KindOf(data []byte) Kind {
	if !gjson.ValidBytes(data) {
		return ""
	}
	kind := gjson.GetBytes(data, "kind")
	if kind.Type != gjson.String {
		return ""
	}
	return Kind(kind.Str)
}

// common checks the fields every relay message carries.
func common(data []byte, kind Kind) bool {
	if KindOf(data) != kind {
		return false
	}

	fields := gjson.GetManyBytes(data, "correlationId", "timestamp")
	if fields[0].Type != gjson.String || fields[0].Str == "" {
		return false
	}
	if fields[1].Exists() && fields[1].Type != gjson.Number {
		return false
	}

	return true
}

// IsRequest reports whether data is a well-formed RELAY_REQUEST.
func IsRequest(data []byte) bool {
	if !common(data, KindRequest) {
		return false
	}

	fields := gjson.GetManyBytes(data, "target", "payload", "headers")
	if fields[0].Type != gjson.String || fields[0].Str == "" {
		return false
	}
	if !fields[1].IsObject() {
		return false
	}
	if fields[2].Exists() && !isStringMap(fields[2]) {
		return false
	}

	return true
}

// IsResponse reports whether data is a well-formed RELAY_RESPONSE.
func IsResponse(data []byte) bool {
	if !common(data, KindResponse) {
		return false
	}

	result := gjson.GetBytes(data, "result")
	if !result.IsObject() {
		return false
	}
	if !result.Get("success").IsBool() {
		return false
	}
	if e := result.Get("error"); e.Exists() && e.Type != gjson.String && e.Type != gjson.Null {
		return false
	}

	return true
}

// IsError reports whether data is a well-formed RELAY_ERROR.
func IsError(data []byte) bool {
	if !common(data, KindError) {
		return false
	}

	fields := gjson.GetManyBytes(data, "error", "originalCorrelationId", "errorKind")
	if fields[0].Type != gjson.String {
		return false
	}
	for _, f := range fields[1:] {
		if f.Exists() && f.Type != gjson.String {
			return false
		}
	}

	return true
}

// IsInit reports whether data is a well-formed RELAY_INIT.
func IsInit(data []byte) bool {
	if !common(data, KindInit) {
		return false
	}

	config := gjson.GetBytes(data, "config")
	if !config.IsObject() {
		return false
	}
	if config.Get("baseUrl").Type != gjson.String {
		return false
	}
	if t := config.Get("timeout"); t.Exists() && t.Type != gjson.Number {
		return false
	}

	return true
}

// IsReady reports whether data is a well-formed RELAY_READY.
func IsReady(data []byte) bool {
	if !common(data, KindReady) {
		return false
	}
	return gjson.GetBytes(data, "serverId").Type == gjson.String
}

func isStringMap(r gjson.Result) bool {
	if !r.IsObject() {
		return false
	}
	ok := true
	r.ForEach(func(_, value gjson.Result) bool {
		if value.Type != gjson.String {
			ok = false
		}
		return ok
	})
	return ok
}
