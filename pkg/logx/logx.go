// Package logx provides agent-scoped logging with env-controlled debug domains.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Logger writes agent-tagged lines to stderr and mirrors them into the
// in-memory buffer served by the status endpoint.
type Logger struct {
	agentID string
}

func NewLogger(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

func (l *Logger) AgentID() string { return l.agentID }

func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

// logWriter overrides the output destination in tests. Default is stderr,
// keeping stdout clean for worker protocol traffic.
var (
	logWriterLock sync.Mutex
	logWriter     io.Writer
)

func writer() io.Writer {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if logWriter != nil {
		return logWriter
	}
	return os.Stderr
}

type debugConfig struct {
	enabled     bool
	fileLogging bool
	logDir      string
	domains     map[string]bool // nil = all domains
}

var (
	dbgMu sync.RWMutex
	dbg   = debugConfig{}
)

func init() { //nolint:gochecknoinits // env-driven setup must precede any logging
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG, DEBUG_DOMAINS, DEBUG_FILE and DEBUG_LOG_DIR.
//
//	DEBUG=1                              enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=session,qa     enable debug for selected domains
//	DEBUG=1 DEBUG_FILE=1                 mirror debug lines to files
//	DEBUG=1 DEBUG_LOG_DIR=/tmp/logs      set the file log directory
func initDebugFromEnv() {
	dbgMu.Lock()
	defer dbgMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		dbg.enabled = true
	}
	if v := os.Getenv("DEBUG_FILE"); v == "1" || strings.EqualFold(v, "true") {
		dbg.fileLogging = true
	}
	if dir := os.Getenv("DEBUG_LOG_DIR"); dir != "" {
		dbg.logDir = dir
	} else {
		dbg.logDir = defaultLogDir()
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		dbg.domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			dbg.domains[strings.TrimSpace(d)] = true
		}
	}
}

func defaultLogDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "logs"
	}
	return filepath.Join(dir, "logs")
}

// SetDebug overrides the env-derived debug settings, e.g. from CLI flags.
func SetDebug(enabled, fileLogging bool, logDir string) {
	dbgMu.Lock()
	defer dbgMu.Unlock()
	dbg.enabled = enabled
	dbg.fileLogging = fileLogging
	if logDir != "" {
		dbg.logDir = logDir
	}
	if fileLogging && dbg.logDir != "" {
		if err := os.MkdirAll(dbg.logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot create log dir %s: %v\n", dbg.logDir, err)
		}
	}
}

// SetDebugDomains restricts debug output to the given domains. Empty enables all.
func SetDebugDomains(domains []string) {
	dbgMu.Lock()
	defer dbgMu.Unlock()
	if len(domains) == 0 {
		dbg.domains = nil
		return
	}
	dbg.domains = make(map[string]bool)
	for _, d := range domains {
		dbg.domains[strings.TrimSpace(d)] = true
	}
}

func IsDebugEnabled() bool {
	dbgMu.RLock()
	defer dbgMu.RUnlock()
	return dbg.enabled
}

func IsDebugEnabledForDomain(domain string) bool {
	dbgMu.RLock()
	defer dbgMu.RUnlock()
	if !dbg.enabled {
		return false
	}
	if dbg.domains == nil {
		return true
	}
	return dbg.domains[domain]
}

// Entry is one captured log line, as served by the status endpoint.
type Entry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// ringBuffer keeps the most recent entries for the status endpoint.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

var buffer = &ringBuffer{max: 1000}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

func (b *ringBuffer) recent(domain string, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if domain != "" && e.Domain != "" && !strings.EqualFold(e.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timeLayout, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		out = append(out, *e)
	}
	return out
}

// RecentEntries returns buffered log entries, optionally filtered by domain
// and minimum timestamp.
func RecentEntries(domain string, since time.Time) []Entry {
	return buffer.recent(domain, since)
}

func (l *Logger) log(level Level, domain, format string, args ...any) {
	ts := time.Now().UTC().Format(timeLayout)
	msg := fmt.Sprintf(format, args...)
	if domain != "" {
		fmt.Fprintf(writer(), "[%s] [%s] %s: [%s] %s\n", ts, l.agentID, level, domain, msg)
	} else {
		fmt.Fprintf(writer(), "[%s] [%s] %s: %s\n", ts, l.agentID, level, msg)
	}
	buffer.add(Entry{Timestamp: ts, AgentID: l.agentID, Level: string(level), Message: msg, Domain: domain})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, "", format, args...)
}

func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, "", format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, "", format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, "", format, args...) }

type ctxKey int

const agentIDKey ctxKey = 0

// WithAgent tags a context with the agent id used by the ctx-aware helpers.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

func agentFromCtx(ctx context.Context) string {
	if ctx == nil {
		return "system"
	}
	if id, ok := ctx.Value(agentIDKey).(string); ok && id != "" {
		return id
	}
	return "system"
}

// Debug logs a debug line for a domain, honoring DEBUG_DOMAINS filtering.
//
//	logx.Debug(ctx, "session", "step %d: %s", step, name)
//	logx.Debug(ctx, "qa", "iteration %d rejected, %d issues", n, len(issues))
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	NewLogger(agentFromCtx(ctx)).log(LevelDebug, domain, format, args...)
}

// DebugState logs a state transition, the common pattern in the orchestrators.
func DebugState(ctx context.Context, domain, action, state string, extra ...string) {
	suffix := ""
	if len(extra) > 0 {
		suffix = " - " + extra[0]
	}
	Debug(ctx, domain, "state %s: %s%s", action, state, suffix)
}

// DebugToFile mirrors a debug line into logDir/filename when DEBUG_FILE is set.
func DebugToFile(ctx context.Context, domain, filename, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	Debug(ctx, domain, format, args...)

	dbgMu.RLock()
	fileLogging := dbg.fileLogging
	logDir := dbg.logDir
	dbgMu.RUnlock()
	if !fileLogging || filename == "" {
		return
	}

	ts := time.Now().UTC().Format(timeLayout)
	line := fmt.Sprintf("[%s] [%s] [%s] DEBUG: %s\n", ts, agentFromCtx(ctx), domain, fmt.Sprintf(format, args...))
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return
	}
	path := filepath.Join(logDir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: debug file %s: %v\n", path, err)
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) { defaultLogger.Debug(format, args...) }
func Infof(format string, args ...any)  { defaultLogger.Info(format, args...) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(format, args...) }

// Errorf logs and returns the formatted error:
//
//	return logx.Errorf("plan load failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs and wraps err with msg:
//
//	if err != nil { return logx.Wrap(err, "open spec dir") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
