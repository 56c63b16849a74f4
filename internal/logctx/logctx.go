// Package logctx decorates slog records with request and subscription
// attributes carried in the context, so transport adapters and the registry
// log consistently without threading attribute lists around.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("user_agent", rd.UserAgent),
		))
	}

	if sd, ok := ctx.Value(subscriptionDataKey{}).(*SubscriptionData); ok {
		r.AddAttrs(slog.Group("sub",
			slog.String("handle", sd.Handle),
			slog.String("owner", sd.OwnerID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	RemoteAddr string
	UserAgent  string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type subscriptionDataKey struct{}

type SubscriptionData struct {
	Handle  string
	OwnerID string
}

func WithSubscriptionData(ctx context.Context, data *SubscriptionData) context.Context {
	return context.WithValue(ctx, subscriptionDataKey{}, data)
}
