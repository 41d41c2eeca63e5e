package output

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONPrinter prints one JSON document per result.
type JSONPrinter struct {
	W io.Writer
}

// Print renders JSON output.
func (p JSONPrinter) Print(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.W, string(payload))
	return err
}
