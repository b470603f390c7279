package command

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chatbridge/chat"
)

func (d *Dispatcher) handleAccept(ctx context.Context, localUser string, id int64) (string, error) {
	if _, err := d.machine.Accept(ctx, id, localUser); err != nil {
		return "", err
	}
	return fmt.Sprintf("You are now handling chat #%d. Send '!FINISH' when you are done.", id), nil
}

func (d *Dispatcher) handleCancel(ctx context.Context, localUser string, id int64) (string, error) {
	if err := d.machine.Cancel(ctx, id, localUser); err != nil {
		return "", err
	}
	return fmt.Sprintf("You canceled chat #%d.", id), nil
}

func (d *Dispatcher) handleFinish(ctx context.Context, localUser string, _ int64) (string, error) {
	if _, err := d.machine.Finish(ctx, localUser); err != nil {
		return "", err
	}
	return chat.ClosedText, nil
}

func (d *Dispatcher) handleHelp(ctx context.Context, localUser string, _ int64) (string, error) {
	return "Available options:\n" + strings.Join(d.Help(), "\n"), nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, localUser string, _ int64) (string, error) {
	s, err := d.machine.Current(ctx, localUser)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "You are not in a chat." + helpHint, nil
	}
	return fmt.Sprintf("You are in chat #%d with %s. Send '!FINISH' when you are done.", s.ID, s.RemoteUser), nil
}

func (d *Dispatcher) handleWaiting(ctx context.Context, localUser string, _ int64) (string, error) {
	pending, err := d.machine.Pending(ctx)
	if err != nil {
		return "", err
	}
	d.logger.Info("waiting chats listed", zap.String("local_user", localUser), zap.Int("count", len(pending)))
	if len(pending) == 0 {
		return "There aren't any open chat requests.", nil
	}

	rows := make([]string, 0, len(pending))
	for _, s := range pending {
		rows = append(rows, fmt.Sprintf("%d | %s", s.ID, s.RemoteUser))
	}
	return "Chats waiting to be accepted:\n\n" +
		"ID | Remote user\n" +
		"---|------------------\n" +
		strings.Join(rows, "\n") + "\n\n" +
		"Send '!ACCEPT n' to accept a chat request. " +
		"Send '!CANCEL n' to cancel a chat request.", nil
}
