package ws

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dockerflow/gateway/internal/logging"
	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/mux"
	"github.com/dockerflow/gateway/internal/runner"
)

// Jobs runs one-shot commands with their output streamed as it is produced.
type Jobs interface {
	Stream(ctx context.Context, req model.RunRequest, w io.Writer) (*model.Job, error)
}

// HandleJob upgrades the request and serves a job stream in the
// background. The first frame must be a run frame; the server answers
// with output frames and one exit frame, then closes. A cancel frame
// stops the job early.
func (h *Handler) HandleJob(w http.ResponseWriter, r *http.Request) error {
	client, err := h.accept(w, r)
	if err != nil {
		return err
	}
	go h.serveJob(client)
	return nil
}

func (h *Handler) serveJob(client *Client) {
	ctx, release := h.begin(client)
	defer release()

	msg, err := h.readMessage(client)
	if err != nil {
		return
	}
	if msg == nil || msg.Type != MessageTypeRun {
		h.send(ctx, client, errorMessage(model.NewError(model.KindInvalidArgument, "first frame must be %q", MessageTypeRun)))
		return
	}
	if h.jobs == nil {
		h.send(ctx, client, errorMessage(model.NewError(model.KindInternal, "job streaming is disabled")))
		return
	}

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go h.jobControl(ctx, client, stop)

	out := mux.NewHub(mux.Options{SinkLimit: h.cfg.SinkLimit})
	sub := out.Subscribe()
	pumped := make(chan error, 1)
	go func() {
		err := h.pumpJobOutput(ctx, client, sub)
		if errors.Is(err, model.ErrOutputOverrun) {
			h.logger.Warn("job stream client fell behind, disconnecting")
			h.send(ctx, client, errorMessage(model.NewError(model.KindOutputOverrun, "client fell too far behind the job output")))
			stop(err)
		}
		pumped <- err
	}()

	job, err := h.jobs.Stream(runCtx, model.RunRequest{
		Command:          msg.Command,
		WorkingDirectory: msg.WorkingDirectory,
		TimeoutSeconds:   msg.TimeoutSeconds,
		Env:              msg.Env,
	}, hubWriter{out})
	out.Close(nil)
	pumpErr := <-pumped

	if err != nil {
		h.logger.Info("job refused", zap.String("command", msg.Command), zap.Error(err))
		h.send(ctx, client, errorMessage(err))
		return
	}
	if pumpErr != nil {
		return
	}
	h.logger.Debug("job stream finished", logging.JobID(job.ID), zap.String("status", string(job.Status)))
	h.send(ctx, client, jobExit(job))
}

// jobControl reads frames while a job runs. Losing the peer closes the
// client, which cancels the job through the connection context.
func (h *Handler) jobControl(ctx context.Context, client *Client, stop context.CancelCauseFunc) {
	for {
		msg, err := h.readMessage(client)
		if err != nil {
			client.Close()
			return
		}
		if msg == nil {
			h.send(ctx, client, errorMessage(model.NewError(model.KindInvalidArgument, "malformed frame")))
			continue
		}
		switch msg.Type {
		case MessageTypeCancel:
			stop(runner.ErrCancelled)
		case MessageTypePing:
			h.send(ctx, client, &Message{Type: MessageTypePong})
		default:
			h.send(ctx, client, errorMessage(model.NewError(model.KindInvalidArgument, "unexpected %q frame while a job runs", msg.Type)))
		}
	}
}

// pumpJobOutput forwards job output until the stream ends. It returns nil
// once everything was sent.
func (h *Handler) pumpJobOutput(ctx context.Context, client *Client, sub *mux.Subscription) error {
	var split splitter
	for {
		chunk, err := sub.Next(ctx)
		if out := split.next(chunk); len(out) > 0 {
			if serr := h.send(ctx, client, &Message{Type: MessageTypeOutput, Data: string(out)}); serr != nil {
				return serr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if rest := split.flush(); len(rest) > 0 {
				return h.send(ctx, client, &Message{Type: MessageTypeOutput, Data: string(rest)})
			}
			return nil
		default:
			return err
		}
	}
}

func jobExit(job *model.Job) *Message {
	msg := &Message{
		Type:     MessageTypeExit,
		JobID:    job.ID,
		Status:   job.Status,
		ExitCode: job.ExitCode,
	}
	if err := job.Err(); err != nil {
		msg.ErrorKind = model.KindOf(err)
		msg.Message = job.Message
	}
	return msg
}

// hubWriter publishes writes to a hub. It never blocks.
type hubWriter struct {
	hub *mux.Hub
}

func (w hubWriter) Write(p []byte) (int, error) {
	w.hub.Publish(p)
	return len(p), nil
}
