package ctrl

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Send sends one command to the control socket at path and returns the
// raw response.
func Send(ctx context.Context, path, command string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = conn.SetDeadline(deadline)

	if _, err := io.WriteString(conn, strings.TrimSpace(command)+"\n"); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(resp), nil
}
