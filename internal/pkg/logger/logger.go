package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Logger provides structured JSON logging with optional PII redaction.
// Record payloads and email outbox rows carry subscriber-style addresses,
// so redaction defaults on.
type Logger struct {
	level     Level
	component string
	redactPII bool
	mu        sync.Mutex
	out       io.Writer
}

var defaultLogger = &Logger{level: INFO, redactPII: true, out: os.Stderr}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level = l }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.redactPII = r }

// SetOutput redirects the default logger, used by tests.
func SetOutput(w io.Writer) { defaultLogger.out = w }

// With returns a logger that stamps every entry with a component name.
func With(component string) *Logger {
	return &Logger{
		level:     defaultLogger.level,
		component: component,
		redactPII: defaultLogger.redactPII,
		out:       defaultLogger.out,
	}
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}

	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fields[i+1]
		if l.redactPII {
			entry[key] = redactPIIValue(key, val)
		} else {
			entry[key] = val
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"msg":%q}`, levelNames[level], msg))
	}
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

func redactPIIValue(key string, val interface{}) interface{} {
	s, ok := val.(string)
	if !ok {
		return val
	}
	lower := strings.ToLower(key)
	if strings.Contains(lower, "email") || strings.Contains(lower, "recipient") {
		return RedactEmail(s)
	}
	return emailRegex.ReplaceAllStringFunc(s, RedactEmail)
}
