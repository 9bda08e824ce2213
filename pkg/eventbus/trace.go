package eventbus

import (
	"context"
	"encoding/base64"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// contextKey namespaces this package's context values so they never
// collide with a caller's own keys.
type contextKey string

const (
	tenantIDKey contextKey = "eventbus.tenant_id"
	traceIDKey  contextKey = "eventbus.trace_id"

	// metadataHeader carries a protobuf Struct envelope of the
	// request's tenant/trace metadata across the NATS request/reply
	// boundary — the "optional wire envelope framing" distinct from the
	// canonical CBOR payload bytes (spec.md §4.8).
	metadataHeader = "Metadata-Proto"
)

// WithTenantID attaches a tenant id that SendCommand/Query propagate
// to the remote handler via the protobuf metadata envelope.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// WithTraceID attaches a trace id that SendCommand/Query propagate to
// the remote handler via the protobuf metadata envelope.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// encodeMetadataEnvelope builds the base64-encoded protobuf Struct
// header value for ctx's tenant/trace ids, if any are set. NATS
// headers are text, so the marshaled proto bytes are base64-wrapped.
func encodeMetadataEnvelope(ctx context.Context) (string, bool) {
	tenantID, _ := ctx.Value(tenantIDKey).(string)
	traceID, _ := ctx.Value(traceIDKey).(string)
	if tenantID == "" && traceID == "" {
		return "", false
	}

	s, err := structpb.NewStruct(map[string]any{
		"tenant_id": tenantID,
		"trace_id":  traceID,
	})
	if err != nil {
		return "", false
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

// decodeMetadataEnvelope parses a base64-encoded protobuf Struct
// header value back into ctx, if present.
func decodeMetadataEnvelope(ctx context.Context, header string) context.Context {
	if header == "" {
		return ctx
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return ctx
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return ctx
	}
	fields := s.AsMap()
	if tenantID, ok := fields["tenant_id"].(string); ok && tenantID != "" {
		ctx = WithTenantID(ctx, tenantID)
	}
	if traceID, ok := fields["trace_id"].(string); ok && traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	return ctx
}
