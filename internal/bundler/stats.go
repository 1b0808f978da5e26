package bundler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/fatih/color"
	"github.com/opencontainers/go-digest"
	"github.com/ryanuber/columnize"
)

// maxStatsMessages bounds how many errors and warnings String prints.
const maxStatsMessages = 10

// Message is a build diagnostic.
type Message struct {
	Text     string `json:"text"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	LineText string `json:"lineText,omitempty"`
	Plugin   string `json:"plugin,omitempty"`
}

// String renders the message as file:line:column: text.
func (m Message) String() string {
	if m.File == "" {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.File, m.Line, m.Column, m.Text)
}

func fromAPIMessages(msgs []api.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		m := Message{Text: msg.Text, Plugin: msg.PluginName}
		if msg.Location != nil {
			m.File = msg.Location.File
			m.Line = msg.Location.Line
			m.Column = msg.Location.Column + 1
			m.LineText = msg.Location.LineText
		}
		out = append(out, m)
	}
	return out
}

// Asset is one file the build produced.
type Asset struct {
	// Name is the slash-separated path under the output root, with a
	// leading slash ("/js/index.3F2A.js").
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Emitted bool   `json:"emitted"`
}

// Stats summarizes one build.
type Stats struct {
	// Digest covers every output byte and the configured salt.
	Digest    digest.Digest `json:"digest"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Assets    []Asset       `json:"assets"`
	Errors    []Message     `json:"errors"`
	Warnings  []Message     `json:"warnings"`

	rawErrors   []api.Message
	rawWarnings []api.Message
}

// Hash is the short form of Digest shown to users and sent to hot clients.
func (s *Stats) Hash() string {
	if s == nil || s.Digest == "" {
		return ""
	}
	enc := s.Digest.Encoded()
	if len(enc) > 20 {
		enc = enc[:20]
	}
	return enc
}

// HasErrors reports whether the build failed.
func (s *Stats) HasErrors() bool {
	return s != nil && len(s.Errors) > 0
}

// HasWarnings reports whether the build produced warnings.
func (s *Stats) HasWarnings() bool {
	return s != nil && len(s.Warnings) > 0
}

// addError records a failure that did not come from the bundler itself.
func (s *Stats) addError(plugin string, err error) {
	msg := api.Message{PluginName: plugin, Text: err.Error()}
	s.rawErrors = append(s.rawErrors, msg)
	s.Errors = append(s.Errors, fromAPIMessages([]api.Message{msg})...)
}

func (s *Stats) sortAssets() {
	sort.Slice(s.Assets, func(i, j int) bool { return s.Assets[i].Name < s.Assets[j].Name })
}

// StatsOptions controls String.
type StatsOptions struct {
	Colors bool

	// MaxMessages caps the printed errors and warnings (default 10).
	MaxMessages int
}

// String renders a bounded human summary: hash and time, an asset table,
// then at most MaxMessages diagnostics.
func (s *Stats) String(opts StatsOptions) string {
	if s == nil {
		return ""
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = maxStatsMessages
	}

	paint := func(attr color.Attribute, v string) string {
		if !opts.Colors {
			return v
		}
		c := color.New(attr)
		c.EnableColor()
		return c.Sprint(v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hash: %s\n", paint(color.Bold, s.Hash()))
	fmt.Fprintf(&b, "Time: %s\n", paint(color.Bold, s.Duration.Round(time.Millisecond).String()))

	if len(s.Assets) > 0 {
		lines := []string{"Asset | Size | "}
		for _, a := range s.Assets {
			emitted := ""
			if a.Emitted {
				emitted = "[emitted]"
			}
			lines = append(lines, fmt.Sprintf("%s | %s | %s", strings.TrimPrefix(a.Name, "/"), humanize.Bytes(uint64(a.Size)), emitted))
		}
		b.WriteString("\n")
		b.WriteString(columnize.SimpleFormat(lines))
		b.WriteString("\n")
	}

	writeMessages := func(kind api.MessageKind, raw []api.Message, label string, attr color.Attribute) {
		if len(raw) == 0 {
			return
		}
		shown := raw
		if len(shown) > opts.MaxMessages {
			shown = shown[:opts.MaxMessages]
		}
		fmt.Fprintf(&b, "\n%s\n", paint(attr, fmt.Sprintf("%s (%d)", label, len(raw))))
		for _, formatted := range api.FormatMessages(shown, api.FormatMessagesOptions{
			Kind:  kind,
			Color: opts.Colors,
		}) {
			b.WriteString(formatted)
		}
		if hidden := len(raw) - len(shown); hidden > 0 {
			fmt.Fprintf(&b, "... and %d more\n", hidden)
		}
	}
	writeMessages(api.ErrorMessage, s.rawErrors, "ERROR", color.FgRed)
	writeMessages(api.WarningMessage, s.rawWarnings, "WARNING", color.FgYellow)

	return b.String()
}
