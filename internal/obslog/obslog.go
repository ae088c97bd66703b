// Package obslog wires jagstore's structured logging: component-tagged
// child loggers derived from one base zerolog.Logger, covering jagstore's
// component set — catalog, staging, ingest, merge, partstore, lease.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a string-keyed log level selector, decoded straight from config.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// AuditEnabled turns Audit from a no-op into a real emitter. Mirrors
	// config.Hardening.AuditLogEnabled; the caller decides whether to wire
	// that flag through.
	AuditEnabled bool
	// AuditOutput is where audit events are written when AuditEnabled is
	// set. Defaults to Output (or stdout) if nil, but callers that want a
	// dedicated audit.log should pass an open file here.
	AuditOutput io.Writer
}

// Logger is the global base logger every component derives from.
var Logger zerolog.Logger

// auditLogger and auditEnabled back Audit; both are set by Init.
var auditLogger zerolog.Logger
var auditEnabled bool

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	auditEnabled = cfg.AuditEnabled
	auditOutput := cfg.AuditOutput
	if auditOutput == nil {
		auditOutput = output
	}
	auditLogger = zerolog.New(auditOutput).With().Timestamp().Logger()
}

// Component identifies which jagstore subsystem emitted a log line.
type Component string

const (
	ComponentCatalog   Component = "catalog"
	ComponentStaging   Component = "staging"
	ComponentIngest    Component = "ingest"
	ComponentMerge     Component = "merge"
	ComponentPartstore Component = "partstore"
	ComponentLease     Component = "lease"
)

// WithComponent creates a child logger tagged with component=<name>.
func WithComponent(c Component) zerolog.Logger {
	return Logger.With().Str("component", string(c)).Logger()
}

// WithDataset creates a child logger additionally tagged with the dataset
// alias, the natural correlation key for every jagstore operation.
func WithDataset(c Component, datasetAlias string) zerolog.Logger {
	return Logger.With().Str("component", string(c)).Str("dataset", datasetAlias).Logger()
}

// Audit logs a tamper-relevant event (lease grant/deny, batch record, merge
// apply, I/O fault) at info level with component="audit", redacting any
// encryption secret material the caller might otherwise be tempted to pass
// through whole. Nonce/tag/key_ref are never logged in full — only their
// presence and byte length. A no-op until Init is called with
// AuditEnabled: true.
func Audit(event string, fields map[string]any) {
	if !auditEnabled {
		return
	}
	e := auditLogger.With().Str("component", "audit").Logger().Info()
	for k, v := range fields {
		switch k {
		case "nonce", "tag", "key_ref":
			if b, ok := v.([]byte); ok {
				e = e.Int(k+"_len", len(b))
				continue
			}
			e = e.Bool(k+"_present", v != nil)
		default:
			e = e.Interface(k, v)
		}
	}
	e.Msg(event)
}
