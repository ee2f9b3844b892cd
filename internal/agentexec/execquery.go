// Package agentexec provides the one concrete capability.QueryFn this repo
// ships: a subprocess invocation of an external coding-agent command,
// generalizing the teacher's container/adapter execution model (an
// external process that streams unified agent.event.AgentEvent JSONL to
// stdout) to the bare external-process boundary the capability.QueryFn
// interface expects. It carries no model/API integration of its own; the
// configured command is wholly responsible for talking to whatever LLM
// backs it.
package agentexec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/andywolf/stepflow-agent/internal/agent/event"
	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/security"
)

// CommandQuery builds a capability.QueryFn that execs command (argv[0] plus
// any fixed arguments) once per invocation, writes the prompt to stdin, and
// parses each line of stdout as a event.AgentEvent, folding it into a
// capability.Message. Resume/PreviousSessionID from the caller's
// QueryOptions, if set, are passed as a trailing "--resume <id>" argument.
type CommandQuery struct {
	command []string
}

// New constructs a CommandQuery. command must be non-empty.
func New(command []string) (*CommandQuery, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agentexec: command must not be empty")
	}
	cp := make([]string, len(command))
	copy(cp, command)
	return &CommandQuery{command: cp}, nil
}

// QueryFn returns the capability.QueryFn bound to this command.
func (q *CommandQuery) QueryFn() capability.QueryFn {
	return q.run
}

func (q *CommandQuery) run(ctx context.Context, prompt string, opts capability.QueryOptions) (<-chan capability.Message, <-chan error) {
	msgCh := make(chan capability.Message)
	errCh := make(chan error, 1)

	argv := append([]string(nil), q.command...)
	if opts.Resume && opts.PreviousSessionID != "" {
		if err := security.NewCommandValidator().ValidateSessionID(opts.PreviousSessionID); err != nil {
			errCh <- fmt.Errorf("agentexec: refusing to resume: %w", err)
			close(msgCh)
			close(errCh)
			return msgCh, errCh
		}
		argv = append(argv, "--resume", opts.PreviousSessionID)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		errCh <- fmt.Errorf("agentexec: stdin pipe: %w", err)
		close(msgCh)
		close(errCh)
		return msgCh, errCh
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		errCh <- fmt.Errorf("agentexec: stdout pipe: %w", err)
		close(msgCh)
		close(errCh)
		return msgCh, errCh
	}

	if err := cmd.Start(); err != nil {
		errCh <- fmt.Errorf("agentexec: start: %w", err)
		close(msgCh)
		close(errCh)
		return msgCh, errCh
	}

	go func() {
		_, _ = stdin.Write([]byte(prompt))
		_ = stdin.Close()
	}()

	go func() {
		defer close(msgCh)
		defer close(errCh)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var ev event.AgentEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}
			msgCh <- toMessage(ev)
		}

		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("agentexec: reading stdout: %w", err)
		}

		if err := cmd.Wait(); err != nil {
			errCh <- fmt.Errorf("agentexec: command exited: %w", err)
		}
	}()

	return msgCh, errCh
}

func toMessage(ev event.AgentEvent) capability.Message {
	msg := capability.Message{}

	if sid := ev.Metadata["session_id"]; sid != "" {
		msg.SessionID = sid
	} else if ev.SessionID != "" {
		msg.SessionID = ev.SessionID
	}

	switch ev.Type {
	case event.EventText, event.EventThinking:
		msg.AssistantText = ev.Content
	case event.EventToolUse:
		msg.ToolUse = ev.Summary
	case event.EventToolResult:
		if ev.Metadata["error"] == "true" {
			msg.ToolError = ev.Content
		}
	case event.EventError:
		msg.ToolError = ev.Content
	case event.EventSystem:
		if ev.Metadata["structured_output"] == "true" {
			var structured map[string]interface{}
			if err := json.Unmarshal([]byte(ev.Content), &structured); err == nil {
				msg.StructuredOutput = structured
			}
		}
	}

	return msg
}
