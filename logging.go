package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds logging configuration
type LogConfig struct {
	OutputDir   string
	LogRequests bool
	LogDB       bool
	LogWS       bool
	Debug       bool
	JSON        bool
}

// AppLogger owns the extended diagnostics: request, WebSocket and database
// dump logs written to OutputDir. Ordinary log lines go through zerolog.
type AppLogger struct {
	outputDir   string
	logRequests bool
	logDB       bool
	logWS       bool
	debug       bool

	requestLog io.WriteCloser
	dbLog      io.WriteCloser
	wsLog      io.WriteCloser
	db         *sqlx.DB

	mu             sync.Mutex
	requestCount   int
	wsMessageCount int
}

// Global application logger (used by server)
var appLogger *AppLogger

// setupLogging configures the global zerolog logger.
func setupLogging(config LogConfig, out io.Writer) {
	level := zerolog.InfoLevel
	if config.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if config.JSON {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
}

func NewAppLogger(config LogConfig) (*AppLogger, error) {
	al := &AppLogger{
		outputDir:   config.OutputDir,
		logRequests: config.LogRequests,
		logDB:       config.LogDB,
		logWS:       config.LogWS,
		debug:       config.Debug,
	}
	if al.outputDir == "" {
		return al, nil
	}

	open := func(enabled bool, name string, dst *io.WriteCloser) error {
		if !enabled {
			return nil
		}
		f, err := os.OpenFile(filepath.Join(al.outputDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		*dst = f
		return nil
	}
	if err := open(al.logRequests, "requests.log", &al.requestLog); err != nil {
		return nil, err
	}
	if err := open(al.logDB, "database.log", &al.dbLog); err != nil {
		return nil, err
	}
	if err := open(al.logWS, "websocket.log", &al.wsLog); err != nil {
		return nil, err
	}
	return al, nil
}

// InitAppLogger initializes the global application logger
func InitAppLogger(config LogConfig, db *sqlx.DB) error {
	al, err := NewAppLogger(config)
	if err != nil {
		return err
	}
	al.db = db
	appLogger = al
	return nil
}

func (al *AppLogger) Close() {
	for _, f := range []io.WriteCloser{al.requestLog, al.dbLog, al.wsLog} {
		if f != nil {
			f.Close()
		}
	}
}

// IsEnabled returns true if any extended logging is enabled
func (al *AppLogger) IsEnabled() bool {
	return al.logRequests || al.logDB || al.logWS || al.debug
}

const maxLoggedBody = 4096

// LogRequest appends one request/response exchange to requests.log.
func (al *AppLogger) LogRequest(method, url string, reqBody []byte, status int, respBody []byte) {
	if !al.logRequests || al.requestLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.requestCount++
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n#%d %s %s %s -> %d %s\n", al.requestCount, time.Now().Format("15:04:05.000"),
		method, url, status, http.StatusText(status))
	for _, part := range []struct {
		label string
		body  []byte
	}{{"request", reqBody}, {"response", respBody}} {
		if len(part.body) == 0 {
			continue
		}
		body := part.body
		if len(body) > maxLoggedBody {
			body = append(body[:maxLoggedBody:maxLoggedBody], fmt.Sprintf(" [%d more bytes]", len(part.body)-maxLoggedBody)...)
		}
		fmt.Fprintf(&buf, "  %s: %s\n", part.label, bytes.TrimSpace(body))
	}
	al.requestLog.Write(buf.Bytes())
}

// LogWebSocket logs a WebSocket frame
func (al *AppLogger) LogWebSocket(direction string, playerID int64, message string) {
	if !al.logWS || al.wsLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.wsMessageCount++
	fmt.Fprintf(al.wsLog, "[%s] #%d %s [Player %d]: %s\n",
		time.Now().Format("15:04:05.000"), al.wsMessageCount, direction, playerID, message)
}

// LogDB appends a dump of every table to database.log, labelled with context.
func (al *AppLogger) LogDB(context string) {
	if !al.logDB || al.dbLog == nil || al.db == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n##### %s | Context: %s\n", time.Now().Format("15:04:05.000"), context)
	if err := dumpTables(al.db, &buf); err != nil {
		fmt.Fprintf(&buf, "dump failed: %v\n", err)
	}
	al.dbLog.Write(buf.Bytes())
}

// dumpTables writes each user table as a tab-aligned grid.
func dumpTables(db *sqlx.DB, w io.Writer) error {
	var tables []string
	if err := db.Select(&tables, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`); err != nil {
		return err
	}
	for _, table := range tables {
		fmt.Fprintf(w, "--- Table: %s ---\n", table)
		rows, err := db.Queryx("SELECT * FROM " + table)
		if err != nil {
			return fmt.Errorf("%s: %w", table, err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(cols, "\t"))
		n := 0
		for rows.Next() {
			values, err := rows.SliceScan()
			if err != nil {
				rows.Close()
				return fmt.Errorf("%s: %w", table, err)
			}
			cells := make([]string, len(values))
			for i, v := range values {
				cells[i] = formatCell(v)
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
			n++
		}
		rows.Close()
		tw.Flush()
		fmt.Fprintf(w, "(%d rows)\n", n)
	}
	return nil
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}

// LoggingHandler records request/response pairs to requests.log.
// WebSocket upgrades pass straight through since they need the hijacker.
type LoggingHandler struct {
	Handler http.Handler
	Logger  *AppLogger
}

func (l *LoggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/ws") {
		l.Logger.LogRequest(r.Method, r.URL.String(), nil, http.StatusSwitchingProtocols, []byte("[WebSocket upgrade]"))
		l.Handler.ServeHTTP(w, r)
		return
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(reqBody))
	}

	var respBody bytes.Buffer
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	ww.Tee(&respBody)
	l.Handler.ServeHTTP(ww, r)

	l.Logger.LogRequest(r.Method, r.URL.String(), reqBody, ww.Status(), respBody.Bytes())
}

// LogWSMessage logs a WebSocket message using the global logger
func LogWSMessage(direction string, playerID int64, message string) {
	if appLogger != nil {
		appLogger.LogWebSocket(direction, playerID, message)
	}
}

// LogDBState logs the database state using the global logger
func LogDBState(context string) {
	if appLogger != nil {
		appLogger.LogDB(context)
	}
}

// DebugLog writes a debug line tagged with where it came from.
func DebugLog(context, format string, args ...any) {
	log.Debug().Str("at", context).Msgf(format, args...)
}

func logError(context string, err error) {
	log.Error().Err(err).Str("at", context).Msg("operation failed")
}

// CloseAppLogger closes the global application logger
func CloseAppLogger() {
	if appLogger != nil {
		appLogger.Close()
	}
}
