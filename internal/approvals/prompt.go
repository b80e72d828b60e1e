package approvals

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/agentsh/execgate/pkg/types"
)

var errNoTTY = errors.New("no controlling terminal")

// promptTTY asks on /dev/tty. Prompts are serialized so two requests never
// interleave on the terminal.
func (m *Manager) promptTTY(ctx context.Context, req Request) (Resolution, error) {
	m.promptMu.Lock()
	defer m.promptMu.Unlock()

	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return Resolution{}, fmt.Errorf("open /dev/tty: %w", err)
	}
	defer f.Close()
	if !term.IsTerminal(int(f.Fd())) {
		return Resolution{}, errNoTTY
	}

	type answer struct {
		res Resolution
		err error
	}
	done := make(chan answer, 1)
	go func() {
		res, err := m.converse(f, f, req)
		done <- answer{res, err}
	}()

	select {
	case a := <-done:
		return a.res, a.err
	case <-ctx.Done():
		// Closing the tty unblocks the reader.
		_ = f.Close()
		return Resolution{}, ctx.Err()
	}
}

// converse runs the challenge and the choice prompt over r and w.
func (m *Manager) converse(r io.Reader, w io.Writer, req Request) (Resolution, error) {
	a, b := challenge()
	fmt.Fprintf(w, "\n=== APPROVAL REQUIRED ===\n")
	fmt.Fprintf(w, "ID: %s\nAgent: %s\nCommand: %s\nReason: %s\n", req.ID, req.Agent, req.Command, req.Reason)
	if req.ObfuscationDetected {
		fmt.Fprintf(w, "WARNING: obfuscation detected: %s\n", strings.Join(req.Obfuscation, "; "))
	}
	if len(req.AllowAlwaysPatterns) > 0 {
		fmt.Fprintf(w, "Always would allowlist: %s\n", strings.Join(req.AllowAlwaysPatterns, ", "))
	}
	fmt.Fprintf(w, "To continue, solve: %d + %d = ?\n> ", a, b)

	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return Resolution{}, fmt.Errorf("read answer: %w", err)
	}
	if strings.TrimSpace(line) != fmt.Sprintf("%d", a+b) {
		return Resolution{Decision: types.ApprovalDeny, Reason: "challenge failed", At: m.now()}, nil
	}

	fmt.Fprintf(w, "Allow [o]nce, [a]lways, or [d]eny? ")
	choice, _ := reader.ReadString('\n')
	return Resolution{Decision: parseChoice(choice), Reason: "local tty", At: m.now()}, nil
}

func parseChoice(s string) types.ApprovalDecision {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "o", "once", "y", "yes":
		return types.ApprovalAllowOnce
	case "a", "always":
		return types.ApprovalAllowAlways
	default:
		return types.ApprovalDeny
	}
}

func challenge() (int, int) {
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := binary.LittleEndian.Uint64(b[:])
	a := int(n%50) + 10
	bb := int((n/50)%50) + 10
	return a, bb
}
