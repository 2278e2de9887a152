package poller

import (
	"fmt"

	logx "dealwatch/pkg/logx"
)

// cronLogger adapts logx to cron.Logger. The scheduler is chatty at Info
// level, so its routine messages are demoted to Debug.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		fields = append(fields, logx.Any(key, kv[i+1]))
	}
	return fields
}
