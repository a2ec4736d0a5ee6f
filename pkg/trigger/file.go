package trigger

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/pnmerr"
)

// WriteTriggerFile writes one row per aligned sample with three tab
// separated columns: cardiac sample, respiratory sample and trigger marker.
// There is no header row and every row ends with a newline.
func WriteTriggerFile(w io.Writer, cardiac, resp []float64, triggers models.TriggerArray) error {
	if len(cardiac) != len(resp) || len(cardiac) != len(triggers) {
		return pnmerr.Alignmentf("write trigger file", "column lengths differ: %d, %d, %d",
			len(cardiac), len(resp), len(triggers))
	}

	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 64)
	for i := range cardiac {
		buf = buf[:0]
		buf = strconv.AppendFloat(buf, cardiac[i], 'f', -1, 64)
		buf = append(buf, '\t')
		buf = strconv.AppendFloat(buf, resp[i], 'f', -1, 64)
		buf = append(buf, '\t')
		buf = strconv.AppendFloat(buf, triggers[i], 'f', -1, 64)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("error writing trigger file: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error writing trigger file: %w", err)
	}
	return nil
}

// ReadTriggerFile parses the format written by WriteTriggerFile.
func ReadTriggerFile(r io.Reader) (cardiac, resp []float64, triggers models.TriggerArray, err error) {
	const op = "read trigger file"
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		cols := strings.Split(text, "\t")
		if len(cols) != 3 {
			return nil, nil, nil, pnmerr.Parsef(op, "line %d: expected 3 columns, found %d", line, len(cols))
		}
		var vals [3]float64
		for i, c := range cols {
			v, perr := strconv.ParseFloat(strings.TrimSpace(c), 64)
			if perr != nil {
				return nil, nil, nil, pnmerr.Parsef(op, "line %d: invalid value %q", line, c)
			}
			vals[i] = v
		}
		cardiac = append(cardiac, vals[0])
		resp = append(resp, vals[1])
		triggers = append(triggers, vals[2])
	}
	if err := sc.Err(); err != nil {
		return nil, nil, nil, pnmerr.Wrap(pnmerr.ErrParse, op, err)
	}
	return cardiac, resp, triggers, nil
}
