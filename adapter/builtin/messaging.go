package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dfmesh/dfm/adapter"
)

type (
	// sendMessage writes each upstream value into a per-request mailbox.
	// Later values overwrite earlier ones; the mailbox is a cell, not a
	// queue.
	sendMessage struct {
		mailbox string
		in      adapter.Stream
		request *adapter.RequestHandle
	}

	// receiveMessage deposits a literal message into a mailbox.
	receiveMessage struct {
		mailbox string
		message string
		request *adapter.RequestHandle
	}

	// awaitMessage polls a mailbox. While the mailbox is empty it
	// reschedules itself through ScheduleAfter, carrying the poll count in
	// its continuation; once the message arrives it emits it. The node
	// fails when the poll budget runs out.
	awaitMessage struct {
		mailbox  string
		interval time.Duration
		maxPolls int
		polls    int
		nodeID   string
		request  *adapter.RequestHandle
	}
)

const (
	defaultAwaitInterval = time.Second
	defaultAwaitBudget   = 500
)

func newSendMessage(inv adapter.Invocation) (adapter.Adapter, error) {
	var params struct {
		Mailbox string `json:"mailbox"`
	}
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	if len(inv.Inputs) != 1 {
		return nil, adapter.BadInput("send message needs one input stream, got %d", len(inv.Inputs))
	}
	return &sendMessage{mailbox: params.Mailbox, in: inv.Inputs[0], request: inv.Request}, nil
}

func (a *sendMessage) Body(ctx context.Context, emit adapter.Emit) error {
	for {
		v, ok, err := a.in.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		var message string
		if err := json.Unmarshal(v, &message); err != nil {
			message = string(v)
		}
		if err := a.request.SendMessage(ctx, a.mailbox, message); err != nil {
			return err
		}
	}
}

func newReceiveMessage(inv adapter.Invocation) (adapter.Adapter, error) {
	var params struct {
		Mailbox string `json:"mailbox"`
		Message string `json:"message"`
	}
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	return &receiveMessage{mailbox: params.Mailbox, message: params.Message, request: inv.Request}, nil
}

func (a *receiveMessage) Body(ctx context.Context, emit adapter.Emit) error {
	return a.request.SendMessage(ctx, a.mailbox, a.message)
}

func newAwaitMessage(inv adapter.Invocation) (adapter.Adapter, error) {
	var params struct {
		Mailbox      string `json:"mailbox"`
		PollInterval string `json:"poll_interval"`
		MaxPolls     int    `json:"max_polls"`
	}
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	interval := defaultAwaitInterval
	if params.PollInterval != "" {
		d, err := time.ParseDuration(params.PollInterval)
		if err != nil {
			return nil, adapter.BadInput("invalid poll interval %q: %v", params.PollInterval, err)
		}
		interval = d
	}
	budget := params.MaxPolls
	if budget <= 0 {
		budget = defaultAwaitBudget
	}
	polls := 0
	if len(inv.Continuation) > 0 {
		n, err := strconv.Atoi(string(inv.Continuation))
		if err != nil {
			return nil, fmt.Errorf("decode await continuation: %w", err)
		}
		polls = n
	}
	return &awaitMessage{
		mailbox:  params.Mailbox,
		interval: interval,
		maxPolls: budget,
		polls:    polls,
		nodeID:   inv.Node.ID,
		request:  inv.Request,
	}, nil
}

func (a *awaitMessage) Body(ctx context.Context, emit adapter.Emit) error {
	message, ok, err := a.request.Message(ctx, a.mailbox)
	if err != nil {
		return err
	}
	if ok {
		return emit(ctx, jsonString(message))
	}
	if a.polls+1 >= a.maxPolls {
		return fmt.Errorf("mailbox %q stayed empty after %d polls", a.mailbox, a.maxPolls)
	}
	cont := []byte(strconv.Itoa(a.polls + 1))
	if err := a.request.ScheduleAfter(ctx, a.nodeID, a.interval, cont); err != nil {
		return err
	}
	return adapter.ErrSuspended
}
