// Package command interprets the text local users send to the broker.
// Lines starting with '!' are matched against a fixed table of commands;
// anything else is chat text for the user's open session.
package command

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"chatbridge/chat"
)

const (
	helpHint     = " Send '!HELP' for more options."
	notInChat    = "You are not currently in a chat. Send '!WAITING' to see a list of available chats, or '!HELP' for other options."
	relayCommand = "relay"
)

// Sender delivers a reply to a local user.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

type handlerFunc func(ctx context.Context, localUser string, id int64) (string, error)

type command struct {
	name    string
	pattern *regexp.Regexp
	handler handlerFunc
	help    string
}

type Dispatcher struct {
	machine  *chat.Machine
	sender   Sender
	logger   *zap.Logger
	commands []command
}

func New(machine *chat.Machine, sender Sender, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		machine: machine,
		sender:  sender,
		logger:  logger.Named("command"),
	}
	d.commands = []command{
		{"accept", withID("ACCEPT"), d.handleAccept, "!ACCEPT n - Accept chat request #n"},
		{"cancel", withID("CANCEL"), d.handleCancel, "!CANCEL n - Cancel chat request #n"},
		{"finish", bare("FINISH"), d.handleFinish, "!FINISH - Close your current chat"},
		{"help", bare("HELP"), d.handleHelp, "!HELP - Show available commands"},
		{"status", bare("STATUS"), d.handleStatus, "!STATUS - Show your current chat status"},
		{"waiting", bare("WAITING"), d.handleWaiting, "!WAITING - Show all open chat requests"},
	}
	return d
}

func withID(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^!` + keyword + `\s+(\d+)\s*$`)
}

func bare(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^!` + keyword + `\s*$`)
}

// Dispatch handles one line from localUser and returns the name of the
// command it ran, or "relay" for chat text. Every line produces a reply
// or a queued message. Errors are storage or transport faults; user
// mistakes are answered, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, localUser, text string) (string, error) {
	for _, c := range d.commands {
		match := c.pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}

		var id int64
		if len(match) > 1 {
			var err error
			if id, err = strconv.ParseInt(match[1], 10, 64); err != nil {
				return c.name, d.reply(ctx, localUser, fmt.Sprintf("Chat #%s does not exist.", match[1])+helpHint)
			}
		}

		reply, err := c.handler(ctx, localUser, id)
		if chat.IsRejection(err) {
			d.logger.Debug("command rejected", zap.String("command", c.name), zap.String("local_user", localUser), zap.Error(err))
			reply, err = err.Error()+helpHint, nil
		}
		if err != nil {
			return c.name, err
		}
		return c.name, d.reply(ctx, localUser, reply)
	}

	s, err := d.machine.Relay(ctx, localUser, text)
	if err != nil {
		return relayCommand, err
	}
	if s == nil {
		return relayCommand, d.reply(ctx, localUser, notInChat)
	}
	d.logger.Info("local message", zap.String("local_user", localUser), zap.String("remote_user", s.RemoteUser), zap.Int64("chat", s.ID))
	return relayCommand, nil
}

func (d *Dispatcher) reply(ctx context.Context, localUser, text string) error {
	return d.sender.Send(ctx, localUser, text)
}

// Help returns the help lines of every command, sorted.
func (d *Dispatcher) Help() []string {
	lines := make([]string, 0, len(d.commands))
	for _, c := range d.commands {
		lines = append(lines, c.help)
	}
	sort.Strings(lines)
	return lines
}
