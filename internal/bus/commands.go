package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/worker"
	"github.com/nats-io/nats.go"
)

// Sender accepts commands for the worker.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) (worker.Status, error)
}

// CommandReply answers a bus command sent as a request.
type CommandReply struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CommandService accepts remote commands on <prefix>.command.
type CommandService struct {
	bus    *Client
	sender Sender
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewCommandService(parent context.Context, busClient *Client, sender Sender, log *slog.Logger) *CommandService {
	ctx, cancel := context.WithCancel(parent)
	return &CommandService{
		bus:    busClient,
		sender: sender,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "bus-commands")),
	}
}

func (s *CommandService) Start() error {
	sub, err := s.bus.Conn().Subscribe(s.bus.Subject(protocol.SubjectCommand), s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *CommandService) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *CommandService) handleCommand(msg *nats.Msg) {
	var req protocol.BusCommand
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode bus command", slogError(err))
		s.reply(msg, CommandReply{Error: "invalid command payload"})
		return
	}
	cmd, err := req.Command()
	if err != nil {
		s.logger.Warn("rejected bus command", slogError(err))
		s.reply(msg, CommandReply{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	status, err := s.sender.Send(ctx, cmd)
	if err != nil {
		s.logger.Warn("bus command failed", slog.String("command", cmd.Kind.String()), slogError(err))
		s.reply(msg, CommandReply{Error: err.Error()})
		return
	}
	s.reply(msg, CommandReply{Status: string(status)})
}

func (s *CommandService) reply(msg *nats.Msg, body CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Debug("failed to respond to bus command", slogError(err))
	}
}
