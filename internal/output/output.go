// Package output renders ledger records for the command line
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/yairfalse/kirjuri/internal/capture"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/pkg/types"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Formatter defines the interface for output formatting
type Formatter interface {
	FormatCaptureResult(result *capture.Result, w io.Writer) error
	FormatBatch(results []capture.BatchResult, w io.Writer) error
	FormatSnapshot(snap *types.Snapshot, w io.Writer) error
	FormatSnapshotPage(page *ledger.SnapshotPage, w io.Writer) error
	FormatRun(run *types.SnapshotRun, w io.Writer) error
	FormatVerify(result *ledger.VerifyResult, w io.Writer) error
	FormatDriftEvents(events []*types.DriftEvent, w io.Writer) error
	FormatRetention(reports []*ledger.RetentionReport, w io.Writer) error
	FormatPolicy(policy *types.RetentionPolicy, w io.Writer) error
}

// NewFormatter creates a formatter based on format type
func NewFormatter(format string, noColor bool) (Formatter, error) {
	switch format {
	case FormatTable, "":
		return NewTableFormatter(noColor), nil
	case FormatJSON:
		return &encodingFormatter{encode: encodeJSON}, nil
	case FormatYAML, "yml":
		return &encodingFormatter{encode: encodeYAML}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// IsTerminal reports whether w is an interactive terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func encodeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// encodeYAML goes through JSON so records keep their json field names and
// payload numbers keep their exact text
func encodeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	blockStyle(&doc)

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return err
	}
	return encoder.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// encodingFormatter writes records as documents (JSON or YAML)
type encodingFormatter struct {
	encode func(io.Writer, interface{}) error
}

func (f *encodingFormatter) FormatCaptureResult(result *capture.Result, w io.Writer) error {
	return f.encode(w, result)
}

func (f *encodingFormatter) FormatBatch(results []capture.BatchResult, w io.Writer) error {
	if results == nil {
		results = []capture.BatchResult{}
	}
	return f.encode(w, results)
}

func (f *encodingFormatter) FormatSnapshot(snap *types.Snapshot, w io.Writer) error {
	return f.encode(w, snap)
}

func (f *encodingFormatter) FormatSnapshotPage(page *ledger.SnapshotPage, w io.Writer) error {
	return f.encode(w, page)
}

func (f *encodingFormatter) FormatRun(run *types.SnapshotRun, w io.Writer) error {
	return f.encode(w, run)
}

func (f *encodingFormatter) FormatVerify(result *ledger.VerifyResult, w io.Writer) error {
	return f.encode(w, result)
}

func (f *encodingFormatter) FormatDriftEvents(events []*types.DriftEvent, w io.Writer) error {
	if events == nil {
		events = []*types.DriftEvent{}
	}
	return f.encode(w, events)
}

func (f *encodingFormatter) FormatRetention(reports []*ledger.RetentionReport, w io.Writer) error {
	if reports == nil {
		reports = []*ledger.RetentionReport{}
	}
	return f.encode(w, reports)
}

func (f *encodingFormatter) FormatPolicy(policy *types.RetentionPolicy, w io.Writer) error {
	return f.encode(w, policy)
}
