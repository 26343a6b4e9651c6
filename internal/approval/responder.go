package approval

import (
	"context"
	"log/slog"
)

// Responder answers approval requests, one at a time.
type Responder interface {
	Respond(ctx context.Context, req Request) (Response, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req Request) (Response, error)

func (f ResponderFunc) Respond(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// AutoResponder approves every result and selects the first option.
type AutoResponder struct{}

func (AutoResponder) Respond(_ context.Context, req Request) (Response, error) {
	zero := 0
	return Response{RequestID: req.ID, Approved: true, SelectedIndex: &zero}, nil
}

// Serve feeds pending requests to r until ctx ends. Requests are handled
// oldest first. A responder error leaves the request pending for another
// responder or for the bridge timeout.
func (b *Bridge) Serve(ctx context.Context, r Responder) error {
	signal, stop := b.watch()
	defer stop()

	handled := make(map[string]bool)
	for {
		for _, req := range b.PendingRequests() {
			if handled[req.ID] {
				continue
			}
			handled[req.ID] = true
			resp, err := r.Respond(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Warn("responder failed", slog.String("request_id", req.ID), slog.String("error", err.Error()))
				continue
			}
			resp.RequestID = req.ID
			b.SubmitResponse(resp)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signal:
		}
	}
}
