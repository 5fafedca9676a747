package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
	"github.com/roach88/tally/internal/write"
)

// writeEngine builds the per-session write engine so idempotency keys
// survive process restarts with the session store.
func (p *Pipeline) writeEngine(sessionID string) *write.Engine {
	return write.NewEngine(topic.NewSessionWriteKeys(p.store, sessionID), p.cfg.WriteExecutor)
}

// handleWriteIntent diverts WRITE_DRAFT / WRITE_CONFIRM turns into the
// draft-first write flow. Reads never reach here.
func (p *Pipeline) handleWriteIntent(ctx context.Context, req Request, sp spec.BusinessSpec, specIssues []string, message, source, mode string) (Response, error) {
	intent := strings.ToUpper(strings.TrimSpace(sp.Intent))

	doctype := strings.TrimSpace(sp.Subject)
	operation := strings.ToLower(strings.TrimSpace(p.ont.InferWriteRequest(message).Operation))
	docID := strings.TrimSpace(fmt.Sprint(valueOr(sp.Filters, "document_id", "")))
	if docID == "<nil>" {
		docID = ""
	}

	if intent == "WRITE_DRAFT" && operation != "" && doctype != "" {
		if operation == "delete" || operation == "update" {
			// Delete/update drafts are staged even when writes are
			// disabled; the refusal happens at confirm time.
			if docID != "" {
				out := p.writeEngine(req.SessionID).CreateDraft(
					doctype, operation,
					map[string]any{"name": docID},
					req.User,
					fmt.Sprintf("%s %s %s", operation, doctype, docID),
					"",
				)
				out.Text = fmt.Sprintf("%s %s with ID %s? Reply **confirm** to execute or **cancel** to stop.",
					titleFromFieldname(operation), doctype, docID)
				return p.finishWrite(ctx, req, sp, specIssues, out, source, mode, "")
			}
		}
		if !p.cfg.WriteEnabled {
			out := payload.TextPayload(writeDisabledText)
			return p.finishWrite(ctx, req, sp, specIssues, out, source, mode, "")
		}
		if operation == "create" && strings.EqualFold(doctype, "ToDo") {
			out := p.writeEngine(req.SessionID).CreateDraft(
				doctype, operation,
				map[string]any{"description": message, "status": "Open"},
				req.User,
				fmt.Sprintf("create %s", doctype),
				"",
			)
			out.Text = fmt.Sprintf("Confirm %s %s? Reply **confirm** to execute or **cancel** to stop.", operation, doctype)
			return p.finishWrite(ctx, req, sp, specIssues, out, source, mode, "")
		}
	}

	out := payload.TextPayload(writeTargetUnclearText)
	return p.finishWrite(ctx, req, sp, specIssues, out, source, mode, "")
}

// handleWriteConfirmation resolves a pending write draft against the
// user's confirm/cancel reply.
func (p *Pipeline) handleWriteConfirmation(ctx context.Context, req Request, pending *payload.PendingState, source string) (Response, error) {
	decision := strings.TrimSpace(req.Message)
	draft := write.DraftFromMap(pending.Draft)

	if write.IsExplicitConfirm(decision) && !p.cfg.WriteEnabled {
		out := payload.TextPayload(writeDisabledText)
		out.ClearPendingState = true
		return p.finishWrite(ctx, req, spec.BusinessSpec{}, nil, out, source, "continue", decision)
	}

	out := p.writeEngine(req.SessionID).Execute(draft, decision)
	out.Text = confirmationText(out, draft, decision)
	return p.finishWrite(ctx, req, spec.BusinessSpec{}, nil, out, source, "continue", decision)
}

// confirmationText rewrites the engine's generic outcome line into the
// chat-facing confirmation wording.
func confirmationText(out payload.Payload, draft write.Draft, decision string) string {
	switch {
	case write.IsExplicitCancel(decision):
		return "Write action canceled."
	case out.Pending != nil:
		return "Please reply with confirm or cancel."
	case out.WriteResult != nil && out.WriteResult.Status == write.StatusError:
		return out.Text
	case out.WriteResult != nil && out.WriteResult.Status == write.StatusDuplicateBlocked:
		return out.Text
	case out.ClearPendingState && out.WriteResult != nil:
		docID := strings.TrimSpace(fmt.Sprint(valueOr(draft.Payload, "name", "")))
		if draft.Operation == "delete" && strings.EqualFold(draft.Doctype, "ToDo") && docID != "" && docID != "<nil>" {
			return fmt.Sprintf("Confirmed. Deleted **ToDo** `%s`.", docID)
		}
		return "Confirmed. Write action executed."
	}
	return out.Text
}

// finishWrite closes a write-path turn with its audit messages.
func (p *Pipeline) finishWrite(ctx context.Context, req Request, sp spec.BusinessSpec, specIssues []string, out payload.Payload, source, mode, decision string) (Response, error) {
	audit := newAuditTrail(source, mode)
	if sp.Intent != "" {
		audit.spec(sp, specIssues)
	}
	audit.raw("write_engine", write.ToolMessage(source, decision, out))
	p.persistTurn(ctx, req.SessionID, topic.State{}, out, audit)
	return Response{Payload: out, Audit: audit.messages}, nil
}
