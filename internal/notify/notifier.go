package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// Notifier delivers one user-facing notification.
type Notifier interface {
	Show(ctx context.Context, title, body string, urgency Urgency) error
}

type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Show(_ context.Context, title, body string, urgency Urgency) error {
	log := n.Logger
	if log == nil {
		return nil
	}
	log.Info("notification", zap.String("title", title), zap.String("body", body), zap.String("urgency", string(urgency)))
	return nil
}

const commandTimeout = 10 * time.Second

// CommandNotifier runs an external program such as notify-send. Arguments
// may contain {title}, {body} and {urgency}; without any placeholder the
// title and body are appended.
type CommandNotifier struct {
	Path string
	Args []string
}

// ParseCommand splits a configured command line on whitespace. Placeholders
// are substituted per argument, so "{title}" stays one argument.
func ParseCommand(line string) (*CommandNotifier, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.New("notification command is empty")
	}
	return &CommandNotifier{Path: fields[0], Args: fields[1:]}, nil
}

func (n *CommandNotifier) Show(ctx context.Context, title, body string, urgency Urgency) error {
	args := make([]string, 0, len(n.Args)+2)
	templated := false
	replacer := strings.NewReplacer("{title}", title, "{body}", body, "{urgency}", string(urgency))
	for _, a := range n.Args {
		if strings.Contains(a, "{") {
			templated = true
		}
		args = append(args, replacer.Replace(a))
	}
	if !templated {
		args = append(args, title, body)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, n.Path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %s: %w (%s)", n.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Multi fans one notification out to several notifiers.
type Multi []Notifier

func (m Multi) Show(ctx context.Context, title, body string, urgency Urgency) error {
	var errs []error
	for _, n := range m {
		if err := n.Show(ctx, title, body, urgency); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
