package aggregate

import (
	"context"
	"maps"

	"github.com/aneshas/eventsourcing"
)

type ctxKey int

const (
	ctxMetaKey ctxKey = iota
	ctxCausationIDKey
	ctxCorrelationIDKey
)

// CtxWithMeta returns a context carrying metadata attached to every event
// saved with it
func CtxWithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, ctxMetaKey, meta)
}

// CtxWithCausationID returns a context carrying the causation id of the saved events
func CtxWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCausationIDKey, id)
}

// CtxWithCorrelationID returns a context carrying the correlation id of the saved events
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationIDKey, id)
}

func metaFromCtx(ctx context.Context) eventsourcing.Metadata {
	meta := eventsourcing.Metadata{}

	if m, ok := ctx.Value(ctxMetaKey).(map[string]string); ok {
		maps.Copy(meta, m)
	}

	if id, ok := ctx.Value(ctxCausationIDKey).(string); ok && id != "" {
		meta[eventsourcing.MetaCausationID] = id
	}

	if id, ok := ctx.Value(ctxCorrelationIDKey).(string); ok && id != "" {
		meta[eventsourcing.MetaCorrelationID] = id
	}

	if len(meta) == 0 {
		return nil
	}

	return meta
}
