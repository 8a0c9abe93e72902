package gateway

import (
	"encoding/json"
	"io"
	"strings"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

func jsonUnmarshal(s string, v any) error { return json.Unmarshal([]byte(s), v) }
