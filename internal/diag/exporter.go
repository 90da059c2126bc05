package diag

import (
	"context"
	"fmt"
	"strings"
)

// NetworkReporter renders the current NAT and port control findings as
// text for inclusion in a bug report.
type NetworkReporter interface {
	NetworkInfoText(ctx context.Context) string
}

// Exporter assembles redacted diagnostic bundles from the in-memory
// log buffer.
type Exporter struct {
	buf      *LogBuffer
	version  string
	reporter NetworkReporter
}

func NewExporter(buf *LogBuffer, version string, reporter NetworkReporter) *Exporter {
	return &Exporter{buf: buf, version: version, reporter: reporter}
}

// Logs returns the buffered log lines with personal data redacted,
// prefixed by a version banner.
func (e *Exporter) Logs() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "farpath-agent %s\n", e.version)
	sb.WriteString(Redact(strings.Join(e.buf.Lines(), "\n")))
	return sb.String()
}

// LogsAndNetworkInfo prepends the network report to the redacted logs.
func (e *Exporter) LogsAndNetworkInfo(ctx context.Context) string {
	return e.reporter.NetworkInfoText(ctx) + "\n\n" + e.Logs()
}
