// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"time"

	"github.com/jllopis/kernos/pkg/execution"
	"github.com/jllopis/kernos/pkg/frontend"
	"github.com/jllopis/kernos/pkg/history"
	"github.com/jllopis/kernos/pkg/interp"
	"github.com/jllopis/kernos/pkg/variables"
)

var _ execution.Reporter = (*Kernel)(nil)

// CompleteInitialization implements execution.Reporter.
func (k *Kernel) CompleteInitialization(prompt string) {
	k.logger.Info("kernel.ready", "prompt", prompt)
	close(k.ready)
	k.schedulePopulate()
	k.events.Publish(frontend.PromptState(k.interp.DefaultPrompt(), k.interp.ContinuationPrompt()))
	k.iopub.Publish(newMessage(MsgStatus, "", Status{ExecutionState: StateIdle}))
}

// RequestStarted implements execution.Reporter.
func (k *Kernel) RequestStarted(req execution.Request) {
	k.mu.Lock()
	opts := k.options[req.Originator]
	delete(k.options, req.Originator)
	if !opts.Silent {
		k.count++
	}
	a := &active{req: req, opts: opts, count: k.count, started: time.Now()}
	k.current = a
	k.mu.Unlock()

	k.iopub.Publish(newMessage(MsgStatus, req.Originator, Status{ExecutionState: StateBusy}))
	if !opts.Silent {
		k.iopub.Publish(newMessage(MsgExecuteInput, req.Originator, ExecuteInput{Code: req.Code, ExecutionCount: a.count}))
	}
	k.events.Publish(frontend.Busy(true))
}

// ReportIncomplete implements execution.Reporter.
func (k *Kernel) ReportIncomplete(req execution.Request) {
	k.end(req, history.StatusIncomplete)
}

// RequestInput implements execution.Reporter. Requests that did not allow
// stdin are answered with an empty line right away.
func (k *Kernel) RequestInput(originator, prompt string) {
	k.mu.Lock()
	allow := k.current != nil && k.current.opts.AllowStdin
	k.mu.Unlock()

	if !allow {
		k.logger.Debug("kernel.input.no_stdin", "originator", originator, "prompt", prompt)
		if err := k.coord.ReplyInput(""); err != nil {
			k.logger.Warn("kernel.input.auto_reply", "originator", originator, "error", err)
		}
		return
	}
	k.iopub.Publish(newMessage(MsgInputRequest, originator, InputRequest{Prompt: prompt}))
}

// FinishRequest implements execution.Reporter. A request cut short by the
// interpreter exiting is aborted; one that wrote to stderr is an error.
func (k *Kernel) FinishRequest(req execution.Request) {
	status := history.StatusOK
	select {
	case <-k.coord.Exited():
		status = history.StatusAborted
	default:
		k.mu.Lock()
		if k.current != nil && k.current.stderr.Len() > 0 {
			status = history.StatusError
		}
		k.mu.Unlock()
	}
	k.end(req, status)
}

func (k *Kernel) end(req execution.Request, status history.Status) {
	k.mu.Lock()
	a := k.current
	k.current = nil
	if a == nil {
		a = &active{req: req, started: time.Now(), count: k.count}
	}
	res := ExecuteResult{
		ID:             req.Originator,
		Status:         status,
		ExecutionCount: a.count,
		Stdout:         a.stdout.String(),
		Stderr:         a.stderr.String(),
	}
	if w, ok := k.waiters[req.Originator]; ok {
		delete(k.waiters, req.Originator)
		w <- res
	}
	k.mu.Unlock()

	k.iopub.Publish(newMessage(MsgExecuteReply, req.Originator, ExecuteReply{Status: status, ExecutionCount: a.count}))
	k.iopub.Publish(newMessage(MsgStatus, req.Originator, Status{ExecutionState: StateIdle}))
	k.events.Publish(frontend.Busy(false))
	k.refresh.Publish(variables.RefreshEvent())

	if !a.opts.Silent && status != history.StatusIncomplete {
		_ = k.finished.Push(history.Entry{
			Session:        k.session,
			ExecutionCount: a.count,
			Code:           req.Code,
			Status:         status,
			Stdout:         res.Stdout,
			Stderr:         res.Stderr,
			StartedAt:      a.started,
			FinishedAt:     time.Now(),
		})
	}
	k.schedulePopulate()
}

// WriteConsole implements execution.Reporter. It runs on the interpreter
// goroutine.
func (k *Kernel) WriteConsole(content string, stream interp.Stream) {
	parent := ""
	k.mu.Lock()
	if a := k.current; a != nil {
		parent = a.req.Originator
		if stream == interp.Stderr {
			a.stderr.WriteString(content)
		} else {
			a.stdout.WriteString(content)
		}
	}
	k.mu.Unlock()
	k.iopub.Publish(newMessage(MsgStream, parent, Stream{Name: stream.String(), Text: content}))
}
