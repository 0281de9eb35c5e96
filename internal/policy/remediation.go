package policy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// LogRemediation records the degradation at error level.
type LogRemediation struct {
	logger *zap.Logger
}

// NewLogRemediation creates the default remediation.
func NewLogRemediation(logger *zap.Logger) *LogRemediation {
	return &LogRemediation{logger: logger}
}

func (l *LogRemediation) ID() string {
	return "log"
}

func (l *LogRemediation) Apply(ctx context.Context, reason string) error {
	l.logger.Error("supervisor entered emergency mode", zap.String("reason", reason))
	return nil
}

// CommandRemediation runs a shell command, e.g. to page an operator or
// trigger failover. The reason is exported as CARNARY_REASON.
type CommandRemediation struct {
	id      string
	command string
}

// NewCommandRemediation creates a remediation that runs command with sh -c.
func NewCommandRemediation(id, command string) *CommandRemediation {
	return &CommandRemediation{id: id, command: command}
}

func (c *CommandRemediation) ID() string {
	return c.id
}

func (c *CommandRemediation) Apply(ctx context.Context, reason string) error {
	if strings.TrimSpace(c.command) == "" {
		return fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "CARNARY_REASON="+reason)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

var (
	_ Remediation = (*LogRemediation)(nil)
	_ Remediation = (*CommandRemediation)(nil)
)
