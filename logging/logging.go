// Package logging configures the gateway's two log streams. The
// application log is the default logrus logger every component writes
// to. The access log is a dedicated logrus instance that records one
// line per served request, carrying the gateway request id so a log
// line can be joined with the durable request log record.
package logging

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	dateFormat = "02/Jan/2006:15:04:05 -0700"

	// remote_host - - [date] "method uri protocol" status response_size request_id duration_ms
	accessLogFormat = `%s - - [%s] "%s %s %s" %d %d %s %d` + "\n"
)

// Options for Init.
type Options struct {

	// ApplicationLogLevel is a logrus level name; info when empty.
	ApplicationLogLevel string

	// When set, application log entries are written as JSON.
	ApplicationLogJSONEnabled bool

	// Output for the application log entries, when nil, the logrus
	// default (os.Stderr) is kept.
	ApplicationLogOutput io.Writer

	// When set, no access log is written.
	AccessLogDisabled bool

	// When set, access log entries are written as JSON.
	AccessLogJSONEnabled bool

	// Output for the access log entries, when nil, os.Stderr.
	AccessLogOutput io.Writer
}

// AccessEntry describes one served request for the access log.
type AccessEntry struct {

	// The client request.
	Request *http.Request

	// The status code sent to the client.
	StatusCode int

	// The size of the response body in bytes.
	ResponseSize int64

	// The id assigned to the request by the gateway.
	RequestID string

	// The time spent serving the request.
	Duration time.Duration

	// The time the request was received.
	RequestTime time.Time
}

var accessLog *logrus.Logger

// Init applies the options to the default logger and builds the
// access logger.
func Init(o Options) {
	if o.ApplicationLogJSONEnabled {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if o.ApplicationLogOutput != nil {
		logrus.SetOutput(o.ApplicationLogOutput)
	}
	if o.ApplicationLogLevel != "" {
		if l, err := logrus.ParseLevel(o.ApplicationLogLevel); err == nil {
			logrus.SetLevel(l)
		} else {
			logrus.Warnf("invalid log level %q, keeping %v", o.ApplicationLogLevel, logrus.GetLevel())
		}
	}

	if o.AccessLogDisabled {
		accessLog = nil
		return
	}

	l := logrus.New()
	l.Level = logrus.InfoLevel
	l.Out = o.AccessLogOutput
	if l.Out == nil {
		l.Out = os.Stderr
	}
	if o.AccessLogJSONEnabled {
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: dateFormat, DisableTimestamp: true}
	} else {
		l.Formatter = accessFormatter{}
	}
	accessLog = l
}

// LogAccess writes one access log line for a served request.
func LogAccess(e *AccessEntry) {
	if accessLog == nil || e == nil {
		return
	}

	fields := logrus.Fields{
		"timestamp":     e.RequestTime.Format(dateFormat),
		"host":          "-",
		"method":        "",
		"uri":           "",
		"proto":         "",
		"status":        e.StatusCode,
		"response-size": e.ResponseSize,
		"request-id":    e.RequestID,
		"duration":      int64(e.Duration / time.Millisecond),
	}
	if r := e.Request; r != nil {
		fields["host"] = peerHost(r)
		fields["method"] = r.Method
		fields["uri"] = r.RequestURI
		fields["proto"] = r.Proto
	}

	accessLog.WithFields(fields).Infoln()
}

// accessFormatter renders the entry fields in an Apache common log
// shape extended with the request id and the duration.
type accessFormatter struct{}

func (accessFormatter) Format(e *logrus.Entry) ([]byte, error) {
	line := fmt.Sprintf(accessLogFormat,
		e.Data["host"],
		e.Data["timestamp"],
		e.Data["method"],
		e.Data["uri"],
		e.Data["proto"],
		e.Data["status"],
		e.Data["response-size"],
		e.Data["request-id"],
		e.Data["duration"],
	)
	return []byte(line), nil
}

func peerHost(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && h != "" {
		return h
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "-"
}
