package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// Console implementa ports.EventPublisher escribiendo una línea por evento.
type Console struct {
	out      io.Writer
	decimals int32
}

// NewConsole crea un publisher que escribe a stdout.
func NewConsole(decimals int32) *Console {
	return &Console{out: os.Stdout, decimals: decimals}
}

// NewConsoleWriter crea un publisher para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, decimals: DefaultDecimals}
}

// Publish imprime los eventos en orden de emisión.
func (c *Console) Publish(_ context.Context, marketID string, events []domain.Event) error {
	for _, ev := range events {
		fmt.Fprintln(c.out, c.line(marketID, ev))
	}
	return nil
}

func (c *Console) line(marketID string, ev domain.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %-26s", time.Unix(ev.Timestamp, 0).UTC().Format("15:04:05"), marketID, ev.Kind)
	if ev.EpochID != 0 {
		fmt.Fprintf(&sb, " epoch=%d", ev.EpochID)
	}
	if ev.Wallet != "" {
		fmt.Fprintf(&sb, " wallet=%s", ev.Wallet)
	}
	if ev.Amount != 0 {
		fmt.Fprintf(&sb, " amount=%s", FormatTokens(ev.Amount, c.decimals))
	}
	for _, k := range sortedKeys(ev.Attrs) {
		fmt.Fprintf(&sb, " %s=%s", k, ev.Attrs[k])
	}
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncate acorta s a max runas añadiendo "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
