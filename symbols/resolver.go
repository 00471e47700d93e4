package symbols

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Resolver resolves a raw instruction pointer to a human-readable
// location. It is the "external symbol resolver" spec.md §4.5 step 5
// refers to: invoked only on a Cache miss.
type Resolver interface {
	Resolve(ctx context.Context, ip uint64) (symbol, file string, line int, ok bool)
}

// Addr2LineResolver shells out to binutils addr2line, grounded on
// original_source/extension/watcher/core/event_enricher.py's
// SymbolResolver.resolve, which does the same thing via subprocess.
type Addr2LineResolver struct {
	BinaryPath string
	Timeout    time.Duration
}

// NewAddr2LineResolver creates a resolver that resolves addresses
// against binaryPath, defaulting to "/proc/self/exe" when empty.
func NewAddr2LineResolver(binaryPath string) *Addr2LineResolver {
	if binaryPath == "" {
		binaryPath = "/proc/self/exe"
	}
	return &Addr2LineResolver{BinaryPath: binaryPath, Timeout: time.Second}
}

// Resolve runs `addr2line -f -e <binary> <ip>` and parses its
// two-line "function\nfile:line" output.
func (a *Addr2LineResolver) Resolve(ctx context.Context, ip uint64) (symbol, file string, line int, ok bool) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "addr2line", "-f", "-e", a.BinaryPath, fmt.Sprintf("0x%x", ip))
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", "", 0, false
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		return "", "", 0, false
	}

	symbol = strings.TrimSpace(lines[0])
	fileLine := strings.TrimSpace(lines[1])
	if fileLine == "??:0" || symbol == "??" {
		return "", "", 0, false
	}

	parts := strings.Split(fileLine, ":")
	if len(parts) != 2 {
		return symbol, fileLine, 0, true
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		n = 0
	}
	return symbol, parts[0], n, true
}

// Unresolved is the fallback value spec.md §4.5 step 5 names for a
// total miss: "??", "", 0.
func Unresolved() (symbol, file string, line int) {
	return "??", "", 0
}
