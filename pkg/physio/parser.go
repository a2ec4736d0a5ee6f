// Package physio decodes physiological monitoring unit (PMU) trace files.
//
// A trace file is text. Sample tokens are whitespace delimited and may be
// interleaved with integer control codes written by the recording device.
// Lines of the form "Key: value" carry metadata such as the logged start
// and stop times. Spans opened by the pause-begin code and closed by the
// next pause-end code hold device information and are discarded whole.
package physio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/pnmerr"
)

// Codes lists the control values the recording device embeds in the sample stream.
type Codes struct {
	// Strip are single-token codes removed wherever they occur
	Strip []int `yaml:"strip"`

	// PauseBegin and PauseEnd bound spans removed together with their content
	PauseBegin int `yaml:"pauseBegin"`
	PauseEnd   int `yaml:"pauseEnd"`
}

// DefaultCodes returns the Siemens PMU conventions: 5000 trigger mark,
// 6000/5003/6003 end markers and 5002..6002 information spans.
func DefaultCodes() Codes {
	return Codes{
		Strip:      []int{5000, 6000, 5003, 6003},
		PauseBegin: 5002,
		PauseEnd:   6002,
	}
}

func (c Codes) isStrip(v float64) bool {
	for _, code := range c.Strip {
		if v == float64(code) {
			return true
		}
	}
	return false
}

// ParseOptions controls how a trace file is decoded.
type ParseOptions struct {
	// Codes are the control codes to remove. Default: DefaultCodes().
	Codes Codes

	// StartKey and StopKey name the metadata lines holding the start and
	// stop timestamps in ms since midnight.
	// Default: "LogStartMDHTime" and "LogStopMDHTime".
	StartKey string
	StopKey  string

	// SamplingRate of the trace in Hz. Default: 50.
	SamplingRate float64

	// LeadingHeaderValues is the number of numeric header values at the
	// start of the stream that are not samples. Default: 4.
	LeadingHeaderValues int

	// Channel overrides the channel identifier. Default: the file base name.
	Channel string
}

// DefaultParseOptions returns options for Siemens PMU log files.
func DefaultParseOptions() ParseOptions {
	return ParseOptions{
		Codes:               DefaultCodes(),
		StartKey:            "LogStartMDHTime",
		StopKey:             "LogStopMDHTime",
		SamplingRate:        50,
		LeadingHeaderValues: 4,
	}
}

var metadataLine = regexp.MustCompile(`^([A-Za-z][^:]*):\s*(.*)$`)

type token struct {
	text string
	line int
}

// Parse decodes a trace from r.
func Parse(r io.Reader, opts ParseOptions) (*models.PhysiologicalTrace, error) {
	const op = "parse trace"
	if opts.SamplingRate <= 0 {
		return nil, pnmerr.Parsef(op, "sampling rate must be positive, got %g", opts.SamplingRate)
	}

	var tokens []token
	numLines := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		for _, f := range strings.Fields(sc.Text()) {
			tokens = append(tokens, token{text: f, line: numLines})
		}
		numLines++
	}
	if err := sc.Err(); err != nil {
		return nil, pnmerr.Wrap(pnmerr.ErrParse, op, err)
	}

	kept := removePauseSpans(tokens, opts.Codes)

	// regroup by line so metadata lines can be recognized
	lines := make([][]string, numLines)
	for _, t := range kept {
		lines[t.line] = append(lines[t.line], t.text)
	}

	meta := make(map[string]string)
	var values []float64
	for i, fields := range lines {
		if len(fields) == 0 {
			continue
		}
		joined := strings.Join(fields, " ")
		if m := metadataLine.FindStringSubmatch(joined); m != nil {
			meta[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
			continue
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, pnmerr.Parsef(op, "line %d: invalid sample token %q", i+1, f)
			}
			values = append(values, v)
		}
	}

	start, err := timestamp(meta, opts.StartKey)
	if err != nil {
		return nil, err
	}
	stop, err := timestamp(meta, opts.StopKey)
	if err != nil {
		return nil, err
	}
	if stop < start {
		return nil, pnmerr.Parsef(op, "stop time %d precedes start time %d", stop, start)
	}

	if opts.LeadingHeaderValues > 0 {
		if len(values) < opts.LeadingHeaderValues {
			return nil, pnmerr.Parsef(op, "expected %d header values, found %d",
				opts.LeadingHeaderValues, len(values))
		}
		values = values[opts.LeadingHeaderValues:]
	}

	return &models.PhysiologicalTrace{
		Channel:      opts.Channel,
		SamplingRate: opts.SamplingRate,
		StartMs:      start,
		StopMs:       stop,
		Samples:      StripCodes(values, opts.Codes),
	}, nil
}

// ParseFile decodes the trace file at path.
func ParseFile(path string, opts ParseOptions) (*models.PhysiologicalTrace, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pnmerr.MissingResource("open trace", path, err)
		}
		return nil, fmt.Errorf("error opening trace file: %w", err)
	}
	defer f.Close()

	if opts.Channel == "" {
		opts.Channel = filepath.Base(path)
	}
	trace, err := Parse(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return trace, nil
}

// StripCodes returns a copy of values without control codes. A pause-begin
// code followed later by a pause-end code removes the whole span; a
// pause-begin with no matching end only removes itself.
func StripCodes(values []float64, codes Codes) []float64 {
	out := make([]float64, 0, len(values))
	for i := 0; i < len(values); i++ {
		v := values[i]
		if v == float64(codes.PauseBegin) {
			if j := indexFrom(values, i+1, float64(codes.PauseEnd)); j >= 0 {
				i = j
			}
			continue
		}
		if v == float64(codes.PauseEnd) || codes.isStrip(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func indexFrom(values []float64, from int, target float64) int {
	for j := from; j < len(values); j++ {
		if values[j] == target {
			return j
		}
	}
	return -1
}

// removePauseSpans drops begin..end spans at the token level so that
// free text inside device information blocks never reaches the number parser.
func removePauseSpans(tokens []token, codes Codes) []token {
	begin := strconv.Itoa(codes.PauseBegin)
	end := strconv.Itoa(codes.PauseEnd)

	out := make([]token, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		if tokens[i].text != begin {
			out = append(out, tokens[i])
			continue
		}
		j := i + 1
		for j < len(tokens) && tokens[j].text != end {
			j++
		}
		if j < len(tokens) {
			i = j
		}
	}
	return out
}

func timestamp(meta map[string]string, key string) (int64, error) {
	const op = "parse trace header"
	raw, ok := meta[key]
	if !ok {
		return 0, pnmerr.Parsef(op, "missing %s", key)
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0, pnmerr.Parsef(op, "empty %s", key)
	}
	digits := fields[0]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, pnmerr.Parsef(op, "%s is not a digit sequence: %q", key, digits)
		}
	}
	ms, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, pnmerr.Parsef(op, "%s out of range: %q", key, digits)
	}
	return ms, nil
}
