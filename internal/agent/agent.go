// Package agent runs the tool-calling chat loop: it sends the conversation
// to the model, executes the tools the model asks for, feeds the results
// back, and repeats until the model composes a final reply.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avaldez/finsight/internal/model"
	"github.com/avaldez/finsight/internal/repo"
)

// StepKind labels where the loop currently is; it drives logging and lets
// tests assert the loop moved through the expected phases.
type StepKind int

const (
	StepSelectingTools StepKind = iota
	StepExecutingTool
	StepComposingReply
)

func (s StepKind) String() string {
	switch s {
	case StepSelectingTools:
		return "selecting_tools"
	case StepExecutingTool:
		return "executing_tool"
	case StepComposingReply:
		return "composing_reply"
	}
	return "unknown"
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Decision is the model's answer to one turn: either a final reply, or a set
// of tool calls to run first (Reply may carry interim commentary alongside).
type Decision struct {
	Reply     string
	ToolCalls []ToolCall
}

// Turn is one prior message of the session, role "user" or "assistant".
type Turn struct {
	Role    string
	Content string
}

// Conversation is one in-flight exchange with the model. Next sends the
// accumulated state and blocks for a decision; AddToolResult queues a result
// for the next call.
type Conversation interface {
	Next(ctx context.Context) (*Decision, error)
	AddToolResult(id, content string, isError bool)
}

// LLM opens conversations. The production implementation talks to the
// Anthropic API; tests substitute a scripted one.
type LLM interface {
	NewConversation(system string, history []Turn, userMessage string) Conversation
}

// Executor runs a named tool with JSON input.
type Executor interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// Reply is the outcome of one chat turn.
type Reply struct {
	SessionID string   `json:"session_id"`
	Reply     string   `json:"reply"`
	ToolsUsed []string `json:"tools_used"`
}

const historyLimit = 20

// Agent orchestrates the chat loop and persists the conversation.
type Agent struct {
	llm       LLM
	executor  Executor
	repo      *repo.Repository
	maxRounds int
	log       *zap.SugaredLogger
}

// New wires an agent. maxRounds caps model round trips per user message so a
// confused model cannot loop forever.
func New(llm LLM, executor Executor, r *repo.Repository, maxRounds int, log *zap.SugaredLogger) *Agent {
	if maxRounds <= 0 {
		maxRounds = 8
	}
	return &Agent{llm: llm, executor: executor, repo: r, maxRounds: maxRounds, log: log}
}

// Chat handles one user message. A blank session ID starts a new session.
// Tool failures are reported back to the model as error results rather than
// aborting the turn; only model-call failures abort.
func (a *Agent) Chat(ctx context.Context, sessionID, message string) (*Reply, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := a.repo.EnsureSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	history, err := a.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	conv := a.llm.NewConversation(a.systemPrompt(ctx), history, message)

	var (
		reply     string
		toolsUsed []string
		seen      = map[string]bool{}
		step      = StepSelectingTools
	)
	for round := 0; round < a.maxRounds; round++ {
		a.log.Debugw("agent step", "session", sessionID, "step", step, "round", round)
		decision, err := conv.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}
		if len(decision.ToolCalls) == 0 {
			step = StepComposingReply
			reply = decision.Reply
			break
		}

		step = StepExecutingTool
		for _, call := range decision.ToolCalls {
			if !seen[call.Name] {
				seen[call.Name] = true
				toolsUsed = append(toolsUsed, call.Name)
			}
			out, err := a.executor.Execute(ctx, call.Name, call.Input)
			if err != nil {
				a.log.Warnw("tool failed", "session", sessionID, "tool", call.Name, "err", err)
				conv.AddToolResult(call.ID, err.Error(), true)
				continue
			}
			conv.AddToolResult(call.ID, out, false)
		}
		step = StepSelectingTools
		reply = decision.Reply // keep last text in case rounds run out
	}
	if step != StepComposingReply && reply == "" {
		reply = "I could not finish answering that within the allowed number of steps. Try a more specific question."
	}

	a.persistTurn(ctx, sessionID, message, reply, toolsUsed)
	return &Reply{SessionID: sessionID, Reply: reply, ToolsUsed: toolsUsed}, nil
}

func (a *Agent) loadHistory(ctx context.Context, sessionID string) ([]Turn, error) {
	msgs, err := a.repo.GetMessages(ctx, sessionID, historyLimit)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (a *Agent) persistTurn(ctx context.Context, sessionID, userMsg, reply string, toolsUsed []string) {
	if err := a.repo.AppendMessage(ctx, &model.ChatMessage{
		SessionID: sessionID, Role: "user", Content: userMsg,
	}); err != nil {
		a.log.Warnf("persist user message: %v", err)
	}
	tools, _ := json.Marshal(toolsUsed)
	if err := a.repo.AppendMessage(ctx, &model.ChatMessage{
		SessionID: sessionID, Role: "assistant", Content: reply, ToolsUsed: string(tools),
	}); err != nil {
		a.log.Warnf("persist assistant message: %v", err)
	}
}

// systemPrompt grounds the model in what data actually exists, so relative
// phrases like "this month" resolve against the uploaded statements instead
// of the wall clock.
func (a *Agent) systemPrompt(ctx context.Context) string {
	prompt := `You are a personal finance assistant answering questions about the user's imported bank transactions. Use the provided tools to look at real data before answering; never invent numbers. Amounts are stored signed (income positive, expenses negative) in their original currency (USD or MXN); do not convert between currencies, report them separately. Keep answers concise and concrete.`

	dc, err := a.repo.DataContext(ctx)
	if err != nil {
		a.log.Warnf("load data context: %v", err)
		return prompt
	}
	if dc.Total == 0 {
		return prompt + "\n\nThere are no transactions loaded yet. Tell the user to upload a CSV statement first."
	}
	ctxBlock := fmt.Sprintf("\n\nData currently loaded: %d transactions from %s to %s.",
		dc.Total, dc.MinDate.Format("2006-01-02"), dc.MaxDate.Format("2006-01-02"))
	if len(dc.Categories) > 0 {
		ctxBlock += fmt.Sprintf(" Known categories: %v.", dc.Categories)
	}
	ctxBlock += fmt.Sprintf(" Today is %s.", time.Now().Format("2006-01-02"))
	return prompt + ctxBlock
}
