// Package scripts aggregates key=value pairs from the identity and
// inventory scripts and from the device_type and artifact_info files.
package scripts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// scriptTimeout bounds the wall-clock run time of a single identity or
// inventory script.
const scriptTimeout = 100 * time.Second

// KeyValues maps an attribute name to its values in insertion order.
type KeyValues map[string][]string

// Parse reads key=value lines from r. A line without '=' or with more than
// one '=' is skipped with a log message. In unique mode a later value for a
// key overwrites the earlier one; otherwise values accumulate.
func Parse(r io.Reader, source string, uniqueKeys bool) KeyValues {
	vals := KeyValues{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "=")
		switch {
		case len(parts) < 2:
			slog.Debug("Skipping line without a key=value pair", "source", source, "line", line)
			continue
		case len(parts) > 2:
			slog.Error("Skipping line with more than one '=' sign", "source", source, "line", line)
			continue
		}
		key, val := parts[0], parts[1]
		if uniqueKeys {
			vals[key] = []string{val}
		} else {
			vals[key] = append(vals[key], val)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Failed to read key=value data", "source", source, "error", err)
	}
	return vals
}

// RunScript executes the script at path and parses its stdout. A non-zero
// exit, a timeout, or an exec failure yields an empty map; stderr is logged.
func RunScript(path string) KeyValues {
	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		slog.Error("Failed to aggregate key-value pairs from script",
			"script", path, "error", err, "stderr", strings.TrimSpace(stderr.String()))
		return KeyValues{}
	}
	return Parse(&stdout, path, false)
}

// CollectFile parses key=value pairs from a regular file.
func CollectFile(path string, uniqueKeys bool) (KeyValues, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path, uniqueKeys), nil
}

// Render writes the key=value pairs back to their line form, one line per
// value.
func Render(vals KeyValues) string {
	var b strings.Builder
	for k, vs := range vals {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s=%s\n", k, v)
		}
	}
	return b.String()
}

func isExecutable(info os.FileMode) bool {
	return info&0o111 != 0
}
